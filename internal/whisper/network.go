package whisper

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-stt/internal/tensor"
)

const layerNormEps = 1e-5

type layerNorm struct {
	gamma, beta []float32
}

func (l layerNorm) apply(x *tensor.Matrix) *tensor.Matrix {
	return tensor.LayerNorm(x, l.gamma, l.beta, layerNormEps)
}

type kvPair struct {
	k, v *tensor.Matrix
}

type attention struct {
	q, k, v, out linear
	heads        int
}

func (a *attention) project(src *tensor.Matrix) *kvPair {
	return &kvPair{k: a.k.forward(src), v: a.v.forward(src)}
}

func (a *attention) forward(x *tensor.Matrix, kv *kvPair, causal bool) *tensor.Matrix {
	q := a.q.forward(x)
	if kv == nil {
		kv = a.project(x)
	}
	return a.out.forward(multiHead(q, kv.k, kv.v, a.heads, causal))
}

// multiHead computes scaled dot-product attention per head and concatenates
// the head outputs.
func multiHead(q, k, v *tensor.Matrix, heads int, causal bool) *tensor.Matrix {
	d := q.Cols
	dh := d / heads
	scale := float32(1 / math.Sqrt(float64(dh)))
	out := tensor.New(q.Rows, d)
	ninf := float32(math.Inf(-1))
	for h := 0; h < heads; h++ {
		qh := q.NarrowCols(h*dh, dh)
		kh := k.NarrowCols(h*dh, dh)
		vh := v.NarrowCols(h*dh, dh)
		scores := tensor.MatMulT(qh, kh)
		scores.Scale(scale)
		if causal {
			offset := kh.Rows - qh.Rows
			for i := 0; i < scores.Rows; i++ {
				row := scores.Row(i)
				for j := i + offset + 1; j < scores.Cols; j++ {
					row[j] = ninf
				}
			}
		}
		tensor.SoftmaxRows(scores)
		out.SetCols(h*dh, tensor.MatMul(scores, vh))
	}
	return out
}

type residualBlock struct {
	selfAttn *attention
	selfLN   layerNorm
	cross    *attention
	crossLN  layerNorm
	fc1, fc2 linear
	mlpLN    layerNorm
}

func (b *residualBlock) forward(x *tensor.Matrix, crossKV *kvPair, causal bool) *tensor.Matrix {
	x.Add(b.selfAttn.forward(b.selfLN.apply(x), nil, causal))
	if b.cross != nil {
		x.Add(b.cross.forward(b.crossLN.apply(x), crossKV, false))
	}
	h := b.fc1.forward(b.mlpLN.apply(x))
	tensor.GELU(h)
	x.Add(b.fc2.forward(h))
	return x
}

type audioEncoder struct {
	nMels, d       int
	conv1W, conv1B []float32
	conv2W, conv2B []float32
	positions      *tensor.Matrix
	blocks         []*residualBlock
	ln             layerNorm
}

func (e *audioEncoder) forward(mel *tensor.Matrix) (*tensor.Matrix, error) {
	if mel.Rows != e.nMels {
		return nil, fmt.Errorf("encoder: got %d mel bins, want %d", mel.Rows, e.nMels)
	}
	x := mel.Transpose()
	x = tensor.Conv1D(x, e.conv1W, e.conv1B, e.d, 3, 1, 1)
	tensor.GELU(x)
	x = tensor.Conv1D(x, e.conv2W, e.conv2B, e.d, 3, 2, 1)
	tensor.GELU(x)
	if x.Rows > e.positions.Rows {
		return nil, fmt.Errorf("encoder: %d frames exceed %d source positions", x.Rows, e.positions.Rows)
	}
	x.Add(e.positions.NarrowRows(0, x.Rows))
	for _, b := range e.blocks {
		x = b.forward(x, nil, false)
	}
	return e.ln.apply(x), nil
}

type textDecoder struct {
	embed     *tensor.Matrix
	positions *tensor.Matrix
	blocks    []*residualBlock
	ln        layerNorm
	head      linear
	cross     []*kvPair
}

func (d *textDecoder) forward(tokens []int, audio *tensor.Matrix, flush bool) (*tensor.Matrix, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("decoder: empty token sequence")
	}
	if len(tokens) > d.positions.Rows {
		return nil, fmt.Errorf("decoder: %d tokens exceed %d target positions", len(tokens), d.positions.Rows)
	}
	x := tensor.New(len(tokens), d.embed.Cols)
	for i, tok := range tokens {
		if tok < 0 || tok >= d.embed.Rows {
			return nil, fmt.Errorf("decoder: token %d out of vocabulary", tok)
		}
		row := x.Row(i)
		copy(row, d.embed.Row(tok))
		pos := d.positions.Row(i)
		for j := range row {
			row[j] += pos[j]
		}
	}
	if flush || d.cross == nil {
		if audio == nil {
			return nil, fmt.Errorf("decoder: audio features required")
		}
		d.cross = make([]*kvPair, len(d.blocks))
		for i, b := range d.blocks {
			d.cross[i] = b.cross.project(audio)
		}
	}
	for i, b := range d.blocks {
		x = b.forward(x, d.cross[i], true)
	}
	return d.ln.apply(x), nil
}

// network is the shared encoder-decoder graph. The projection representation
// is decided by the linearFactory it was built with.
type network struct {
	cfg     Config
	encoder *audioEncoder
	decoder *textDecoder
}

func (n *network) Config() Config {
	return n.cfg
}

// EncoderForward maps a nMels×frames log-mel matrix to audio features.
// flush is accepted for symmetry with the decoder; the encoder keeps no state.
func (n *network) EncoderForward(mel *tensor.Matrix, flush bool) (*tensor.Matrix, error) {
	return n.encoder.forward(mel)
}

// DecoderForward returns hidden states for every token position. The
// cross-attention keys and values are recomputed from audio when flush is
// set and reused otherwise.
func (n *network) DecoderForward(tokens []int, audio *tensor.Matrix, flush bool) (*tensor.Matrix, error) {
	return n.decoder.forward(tokens, audio, flush)
}

// FinalLinear projects hidden states onto the vocabulary using the token
// embedding matrix.
func (n *network) FinalLinear(hidden *tensor.Matrix) (*tensor.Matrix, error) {
	if hidden.Cols != n.cfg.DModel {
		return nil, fmt.Errorf("final linear: hidden width %d, want %d", hidden.Cols, n.cfg.DModel)
	}
	return n.decoder.head.forward(hidden), nil
}

type tensorLoader struct {
	w      *weights
	prefix string
	err    error
}

func (l *tensorLoader) get(name string, shape ...int) []float32 {
	if l.err != nil {
		return nil
	}
	v, err := l.w.get(l.prefix+name, shape...)
	if err != nil {
		l.err = err
	}
	return v
}

func (l *tensorLoader) layerNorm(name string, d int) layerNorm {
	return layerNorm{gamma: l.get(name+".weight", d), beta: l.get(name+".bias", d)}
}

func (l *tensorLoader) linear(newLinear linearFactory, name string, out, in int, bias bool) linear {
	w := l.get(name+".weight", out, in)
	var b []float32
	if bias {
		b = l.get(name+".bias", out)
	}
	if l.err != nil {
		return nil
	}
	return newLinear(out, in, w, b)
}

func (l *tensorLoader) attention(newLinear linearFactory, name string, d, heads int) *attention {
	return &attention{
		q:     l.linear(newLinear, name+".q_proj", d, d, true),
		k:     l.linear(newLinear, name+".k_proj", d, d, false),
		v:     l.linear(newLinear, name+".v_proj", d, d, true),
		out:   l.linear(newLinear, name+".out_proj", d, d, true),
		heads: heads,
	}
}

func buildNetwork(cfg Config, w *weights, newLinear linearFactory) (*network, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &tensorLoader{w: w}
	if w.has("model.encoder.conv1.weight") {
		l.prefix = "model."
	}
	d := cfg.DModel

	enc := &audioEncoder{
		nMels:     cfg.NumMelBins,
		d:         d,
		conv1W:    l.get("encoder.conv1.weight", d, cfg.NumMelBins, 3),
		conv1B:    l.get("encoder.conv1.bias", d),
		conv2W:    l.get("encoder.conv2.weight", d, d, 3),
		conv2B:    l.get("encoder.conv2.bias", d),
		positions: matrixOrNil(cfg.MaxSourcePositions, d, l.get("encoder.embed_positions.weight", cfg.MaxSourcePositions, d)),
		ln:        l.layerNorm("encoder.layer_norm", d),
	}
	for i := 0; i < cfg.EncoderLayers; i++ {
		p := fmt.Sprintf("encoder.layers.%d", i)
		enc.blocks = append(enc.blocks, &residualBlock{
			selfAttn: l.attention(newLinear, p+".self_attn", d, cfg.EncoderAttentionHeads),
			selfLN:   l.layerNorm(p+".self_attn_layer_norm", d),
			fc1:      l.linear(newLinear, p+".fc1", cfg.EncoderFFNDim, d, true),
			fc2:      l.linear(newLinear, p+".fc2", d, cfg.EncoderFFNDim, true),
			mlpLN:    l.layerNorm(p+".final_layer_norm", d),
		})
	}

	embed := l.get("decoder.embed_tokens.weight", cfg.VocabSize, d)
	dec := &textDecoder{
		embed:     matrixOrNil(cfg.VocabSize, d, embed),
		positions: matrixOrNil(cfg.MaxTargetPositions, d, l.get("decoder.embed_positions.weight", cfg.MaxTargetPositions, d)),
		ln:        l.layerNorm("decoder.layer_norm", d),
	}
	for i := 0; i < cfg.DecoderLayers; i++ {
		p := fmt.Sprintf("decoder.layers.%d", i)
		dec.blocks = append(dec.blocks, &residualBlock{
			selfAttn: l.attention(newLinear, p+".self_attn", d, cfg.DecoderAttentionHeads),
			selfLN:   l.layerNorm(p+".self_attn_layer_norm", d),
			cross:    l.attention(newLinear, p+".encoder_attn", d, cfg.DecoderAttentionHeads),
			crossLN:  l.layerNorm(p+".encoder_attn_layer_norm", d),
			fc1:      l.linear(newLinear, p+".fc1", cfg.DecoderFFNDim, d, true),
			fc2:      l.linear(newLinear, p+".fc2", d, cfg.DecoderFFNDim, true),
			mlpLN:    l.layerNorm(p+".final_layer_norm", d),
		})
	}
	if l.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, l.err)
	}
	dec.head = newLinear(cfg.VocabSize, d, embed, nil)
	return &network{cfg: cfg, encoder: enc, decoder: dec}, nil
}

func matrixOrNil(rows, cols int, data []float32) *tensor.Matrix {
	if data == nil {
		return nil
	}
	return tensor.FromSlice(rows, cols, data)
}

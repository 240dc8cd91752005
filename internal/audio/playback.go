package audio

import (
	"context"
	"time"
)

// PlaybackPace is slightly faster than real time so the recognizer queue
// never starves while a file is replayed.
const PlaybackPace = 480 * time.Millisecond

// PlayFile feeds decoded samples into out in ChunkDuration chunks, waiting
// pace between sends. The trailing partial chunk is sent as is. out is closed
// when PlayFile returns. A zero pace sends as fast as the consumer reads.
func PlayFile(ctx context.Context, samples []float32, out chan<- Chunk, pace time.Duration) error {
	defer close(out)

	size := int(int64(TargetSampleRate) * int64(ChunkDuration) / int64(time.Second))
	var ticker *time.Ticker
	if pace > 0 {
		ticker = time.NewTicker(pace)
		defer ticker.Stop()
	}
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		chunk := make(Chunk, end-start)
		copy(chunk, samples[start:end])
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ticker == nil || end == len(samples) {
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

package recording

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

const conversionTimeout = 30 * time.Minute

// Converter transcodes finished recording artifacts to MP4 with an external
// ffmpeg process. Conversions run on a bounded worker pool; the room session
// only enqueues and moves on.
type Converter struct {
	binary string
	store  ports.RecordingStore
	pool   *workerpool.WorkerPool
	log    *zap.SugaredLogger
}

var _ ports.RecordingConverter = (*Converter)(nil)

func NewConverter(binary string, workers int, store ports.RecordingStore, log *zap.SugaredLogger) *Converter {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Converter{
		binary: binary,
		store:  store,
		pool:   workerpool.New(workers),
		log:    log,
	}
}

// StartConversion enqueues the recording for transcoding and returns
// immediately.
func (c *Converter) StartConversion(ctx context.Context, rec *domain.Recording) error {
	cp := *rec
	c.pool.Submit(func() {
		c.convert(&cp)
	})
	return nil
}

// Stop waits for in-flight conversions to finish.
func (c *Converter) Stop() {
	c.pool.StopWait()
}

func (c *Converter) convert(rec *domain.Recording) {
	ctx, cancel := context.WithTimeout(context.Background(), conversionTimeout)
	defer cancel()

	rec.Status = domain.RecordingStatusConverting
	if err := c.store.Update(ctx, rec); err != nil {
		c.log.Warnw("failed to mark recording as converting", "recording_id", rec.ID, "error", err)
	}

	src := strings.TrimPrefix(rec.FileURI, "file://")
	dst := strings.TrimSuffix(src, ".webm") + ".mp4"

	cmd := exec.CommandContext(ctx, c.binary, "-y", "-i", src, "-c:v", "libx264", "-c:a", "aac", dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.log.Errorw("recording conversion failed",
			"recording_id", rec.ID,
			"error", err,
			"output", truncate(string(out), 2000),
		)
		return
	}

	rec.Status = domain.RecordingStatusReady
	rec.FileURI = fmt.Sprintf("file://%s", dst)
	if err := c.store.Update(ctx, rec); err != nil {
		c.log.Warnw("failed to mark recording as ready", "recording_id", rec.ID, "error", err)
		return
	}
	c.log.Infow("recording converted", "recording_id", rec.ID, "file", dst)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

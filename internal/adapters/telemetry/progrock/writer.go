package progrock

import (
	"sync"

	"github.com/vito/progrock"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

// LogWriter is a progrock.Writer that reports vertex state changes through the logger.
// Each vertex is reported once when it starts and once when it finishes.
type LogWriter struct {
	logger ports.Logger

	mu       sync.Mutex
	names    map[string]string
	started  map[string]bool
	finished map[string]bool
}

// NewLogWriter creates a new LogWriter.
func NewLogWriter(logger ports.Logger) *LogWriter {
	return &LogWriter{
		logger:   logger,
		names:    make(map[string]string),
		started:  make(map[string]bool),
		finished: make(map[string]bool),
	}
}

// WriteStatus implements progrock.Writer.
func (w *LogWriter) WriteStatus(update *progrock.StatusUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, v := range update.Vertexes {
		w.names[v.Id] = v.Name
		if w.finished[v.Id] {
			continue
		}
		switch {
		case v.Cached:
			w.finished[v.Id] = true
			w.logger.Info("cached " + v.Name)
		case v.Completed != nil && v.Error != nil:
			w.finished[v.Id] = true
			w.logger.Error(zerr.With(zerr.New(*v.Error), "vertex", v.Name))
		case v.Completed != nil:
			w.finished[v.Id] = true
			w.logger.Info("done " + v.Name)
		case v.Started != nil && !w.started[v.Id]:
			w.started[v.Id] = true
			w.logger.Info("building " + v.Name)
		}
	}
	return nil
}

// Close implements progrock.Writer.
func (w *LogWriter) Close() error {
	return nil
}

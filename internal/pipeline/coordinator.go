// Package pipeline runs the asynchronous transcription and analysis jobs
// that move a conversation from processing to completed or failed, and
// publishes progress events along the way.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/metrics"
	"github.com/dyadlabs/dyad-server/internal/store"
)

// Progress milestones published while a conversation is processing.
const (
	progressUploadAccepted  = 0.1
	progressAnalysisStarted = 0.8
	progressCompleted       = 1.0
)

// ConversationStore is the slice of the store the coordinator needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListAudios(ctx context.Context, conversationID string) ([]store.Audio, error)
	CountAudioStatuses(ctx context.Context, conversationID string) (store.AudioStatusCounts, error)
	MarkAudioTranscribing(ctx context.Context, id int64) error
	MarkAudioTranscribed(ctx context.Context, id int64, transcript string) error
	MarkAudioFailed(ctx context.Context, id int64, errorMessage string) error
	CompleteConversation(ctx context.Context, id, transcript, analysis string) (bool, error)
	FailConversation(ctx context.Context, id, errorMessage string) (bool, error)
}

// Publisher delivers domain events to the push channel. The coordinator
// knows nothing about connections or buffering.
type Publisher interface {
	Publish(ctx context.Context, userID, topic, eventType string, payload map[string]any) error
}

// FileStore is the slice of the audio storage backend the workers use.
type FileStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// AudioJob is one uploaded audio awaiting transcription.
type AudioJob struct {
	AudioID        int64
	ConversationID string
	UserID         string
	AudioKey       string
	FileKey        string
}

type analysisJob struct {
	ConversationID string
	UserID         string
}

// Options configures the coordinator.
type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Retry     Policy
	Log       zerolog.Logger
}

// job is one unit of pipeline work. Exactly one field is set.
type job struct {
	audio    *AudioJob
	analysis *analysisJob
}

// Coordinator owns the worker pool that drains audio and analysis jobs.
type Coordinator struct {
	db       ConversationStore
	files    FileStore
	stt      Transcriber
	analyzer Analyzer
	pub      Publisher
	opts     Options
	log      zerolog.Logger

	mu      sync.Mutex
	jobs    chan job
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a coordinator.
func New(db ConversationStore, files FileStore, stt Transcriber, analyzer Analyzer, pub Publisher, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultPolicy
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		db:       db,
		files:    files,
		stt:      stt,
		analyzer: analyzer,
		pub:      pub,
		opts:     opts,
		log:      opts.Log.With().Str("component", "pipeline").Logger(),
		jobs:     make(chan job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutines.
func (c *Coordinator) Start() {
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	c.log.Info().Int("workers", c.opts.Workers).Int("queue_size", c.opts.QueueSize).Msg("pipeline started")
}

// Stop drains queued jobs and waits for in-flight ones. Analysis jobs
// spawned after Stop begins are dropped with an error log; the
// conversation stays in processing and is visible on restart.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closing = true
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
	c.log.Info().
		Int64("completed", c.completed.Load()).
		Int64("failed", c.failed.Load()).
		Msg("pipeline stopped")
}

// EnqueueAudio queues a transcription job and publishes the
// upload-accepted progress milestone. Returns false if the queue is full
// or the pipeline is shutting down.
func (c *Coordinator) EnqueueAudio(aj AudioJob) bool {
	if !c.enqueue(job{audio: &aj}) {
		return false
	}
	c.publishProgress(aj.UserID, aj.ConversationID, progressUploadAccepted)
	return true
}

func (c *Coordinator) enqueue(j job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	select {
	case c.jobs <- j:
		return true
	default:
		return false
	}
}

func (c *Coordinator) worker(id int) {
	defer c.wg.Done()
	log := c.log.With().Int("worker", id).Logger()

	for j := range c.jobs {
		switch {
		case j.audio != nil:
			c.processAudio(log, *j.audio)
		case j.analysis != nil:
			c.processAnalysis(log, *j.analysis)
		}
	}
}

func (c *Coordinator) processAudio(log zerolog.Logger, job AudioJob) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.Timeout+10*time.Second)
	defer cancel()

	topic := "conversation:" + job.ConversationID

	if err := c.db.MarkAudioTranscribing(ctx, job.AudioID); err != nil {
		log.Error().Err(err).Int64("audio_id", job.AudioID).Msg("mark transcribing failed")
	}

	transcript, err := c.transcribe(ctx, job)
	if err != nil {
		c.failed.Add(1)
		metrics.PipelineJobsTotal.WithLabelValues("audio", "failed").Inc()
		log.Warn().Err(err).Int64("audio_id", job.AudioID).Str("conversation_id", job.ConversationID).
			Msg("transcription failed")

		if dbErr := c.db.MarkAudioFailed(ctx, job.AudioID, "transcription failed"); dbErr != nil {
			log.Error().Err(dbErr).Int64("audio_id", job.AudioID).Msg("mark failed failed")
		}
		c.publish(job.UserID, topic, "audio_failed", map[string]any{
			"audio_id": job.AudioID,
			"error":    "transcription failed",
		})
		c.afterAudioTerminal(ctx, job.UserID, job.ConversationID)
		return
	}

	if err := c.db.MarkAudioTranscribed(ctx, job.AudioID, transcript); err != nil {
		log.Error().Err(err).Int64("audio_id", job.AudioID).Msg("store transcript failed")
		return
	}
	if err := c.files.Delete(ctx, job.FileKey); err != nil {
		log.Warn().Err(err).Str("file_key", job.FileKey).Msg("delete uploaded audio failed")
	}

	c.completed.Add(1)
	metrics.PipelineJobsTotal.WithLabelValues("audio", "ok").Inc()
	c.publish(job.UserID, topic, "audio_processed", map[string]any{
		"audio_id": job.AudioID,
	})

	counts, err := c.db.CountAudioStatuses(ctx, job.ConversationID)
	if err == nil && counts.Total > 0 {
		c.publishProgress(job.UserID, job.ConversationID,
			0.2+0.5*float64(counts.Transcribed)/float64(counts.Total))
	}

	c.afterAudioTerminal(ctx, job.UserID, job.ConversationID)
}

func (c *Coordinator) transcribe(ctx context.Context, job AudioJob) (string, error) {
	var transcript string
	err := c.opts.Retry.Do(ctx, func() error {
		f, err := c.files.Open(ctx, job.FileKey)
		if err != nil {
			return fmt.Errorf("open audio: %w", err)
		}
		defer f.Close()

		text, err := c.stt.Transcribe(ctx, f, job.AudioKey)
		if err != nil {
			return err
		}
		transcript = text
		return nil
	})
	return transcript, err
}

// afterAudioTerminal decides what the conversation does next once an
// audio job lands in a terminal state. Analysis starts only when the
// recording type's slot budget is full and every slot transcribed; a
// conversation with any failed audio fails as soon as all its audios are
// terminal.
func (c *Coordinator) afterAudioTerminal(ctx context.Context, userID, conversationID string) {
	counts, err := c.db.CountAudioStatuses(ctx, conversationID)
	if err != nil {
		c.log.Error().Err(err).Str("conversation_id", conversationID).Msg("count audio statuses failed")
		return
	}
	terminal := counts.Transcribed + counts.Failed
	if terminal < counts.Total {
		return
	}

	topic := "conversation:" + conversationID

	if counts.Failed > 0 {
		applied, err := c.db.FailConversation(ctx, conversationID, "audio transcription failed")
		if err != nil {
			c.log.Error().Err(err).Str("conversation_id", conversationID).Msg("fail conversation failed")
			return
		}
		if applied {
			c.publish(userID, topic, "conversation_failed", map[string]any{
				"error": "audio transcription failed",
			})
		}
		return
	}

	conv, err := c.db.GetConversation(ctx, conversationID)
	if err != nil {
		c.log.Error().Err(err).Str("conversation_id", conversationID).Msg("load conversation failed")
		return
	}
	if counts.Total < conv.RecordingType.MaxAudios() {
		// Waiting for the remaining slot upload.
		return
	}

	if !c.enqueue(job{analysis: &analysisJob{ConversationID: conversationID, UserID: userID}}) {
		c.log.Error().Str("conversation_id", conversationID).Msg("analysis job dropped, queue full or shutting down")
	}
}

func (c *Coordinator) processAnalysis(log zerolog.Logger, job analysisJob) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.Timeout+10*time.Second)
	defer cancel()

	topic := "conversation:" + job.ConversationID
	c.publishProgress(job.UserID, job.ConversationID, progressAnalysisStarted)

	conv, err := c.db.GetConversation(ctx, job.ConversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", job.ConversationID).Msg("load conversation failed")
		return
	}
	audios, err := c.db.ListAudios(ctx, job.ConversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", job.ConversationID).Msg("list audios failed")
		return
	}

	var analysis string
	err = c.opts.Retry.Do(ctx, func() error {
		result, err := c.analyzer.Analyze(ctx, composePrompt(conv, audios))
		if err != nil {
			return err
		}
		analysis = result
		return nil
	})
	if err != nil {
		c.failed.Add(1)
		metrics.PipelineJobsTotal.WithLabelValues("analysis", "failed").Inc()
		log.Warn().Err(err).Str("conversation_id", job.ConversationID).Msg("analysis failed")

		if _, dbErr := c.db.FailConversation(ctx, job.ConversationID, "analysis failed"); dbErr != nil {
			log.Error().Err(dbErr).Str("conversation_id", job.ConversationID).Msg("fail conversation failed")
		}
		c.publish(job.UserID, topic, "conversation_failed", map[string]any{
			"error": "analysis failed",
		})
		return
	}

	applied, err := c.db.CompleteConversation(ctx, job.ConversationID, combineTranscripts(audios), analysis)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", job.ConversationID).Msg("complete conversation failed")
		return
	}
	if !applied {
		log.Debug().Str("conversation_id", job.ConversationID).Msg("conversation already terminal, completion ignored")
		return
	}

	c.completed.Add(1)
	metrics.PipelineJobsTotal.WithLabelValues("analysis", "ok").Inc()
	c.publishProgress(job.UserID, job.ConversationID, progressCompleted)
	c.publish(job.UserID, topic, "conversation_completed", map[string]any{
		"conversation_id": job.ConversationID,
	})

	log.Debug().Str("conversation_id", job.ConversationID).Msg("conversation completed")
}

func (c *Coordinator) publishProgress(userID, conversationID string, progress float64) {
	c.publish(userID, "conversation:"+conversationID, "conversation_progress", map[string]any{
		"progress": progress,
	})
}

// publish pushes a domain event. Publish failures are logged, never
// propagated: the pipeline's database state is authoritative and clients
// can re-read it.
func (c *Coordinator) publish(userID, topic, eventType string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.pub.Publish(ctx, userID, topic, eventType, payload); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Str("event", eventType).Msg("push publish failed")
	}
}

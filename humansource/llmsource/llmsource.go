// Package llmsource staffs tasks with machine annotators: every hired
// "human" answers questions by prompting a language model.
//
// Machine annotators are cheap and fast but not always right; planners see
// them through the same agreement error model as simulated crowd workers,
// with the reliability configured in Options.
package llmsource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/humansource"
	"github.com/hupe1980/labelmesh/llm"
	"github.com/hupe1980/labelmesh/logging"
)

// ErrUnparsable is logged when a model answer names no valid choice.
var ErrUnparsable = errors.New("answer names no valid choice")

// DefaultInstructions frame every question.
const DefaultInstructions = "You are a careful data annotator. Read the question and answer with the number of the correct choice only."

// Options configures a Source.
type Options struct {
	Instructions string
	// Annotators bounds how many machine annotators can be hired at once.
	Annotators int
	// Correctness is the reliability assumed when planning.
	Correctness float64
	// Delay is the response time assumed when planning.
	Delay core.Distribution
	// Timeout bounds one model call. Zero means no timeout.
	Timeout time.Duration
	Logger  logging.Logger
}

// DefaultOptions hire up to three annotators assumed right 80% of the time.
var DefaultOptions = Options{
	Instructions: DefaultInstructions,
	Annotators:   3,
	Correctness:  0.8,
	Delay:        distribution.Constant{Delay: time.Second},
	Timeout:      30 * time.Second,
	Logger:       logging.NoOpLogger{},
}

// Source is a core.HumanSource whose workers are language model calls.
type Source struct {
	model    llm.Model
	opts     Options
	provider *humansource.AgreementProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	hired   int
	handles []*Handle
	closed  bool
}

// New creates a source prompting m.
func New(m llm.Model, optFns ...func(o *Options)) *Source {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Instructions == "" {
		opts.Instructions = DefaultInstructions
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		model: m,
		opts:  opts,
		provider: humansource.NewAgreementProvider(func(o *humansource.AgreementOptions) {
			o.Correctness = opts.Correctness
			o.Delay = opts.Delay
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SimulatedProvider implements core.HumanSource.
func (s *Source) SimulatedProvider() core.SimulatedProvider { return s.provider }

// AvailableHumans implements core.HumanSource.
func (s *Source) AvailableHumans(core.Task) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.opts.Annotators - s.hired
}

// MakeJobPosting implements core.HumanSource. Postings are answered at once.
func (s *Source) MakeJobPosting(ctx context.Context, task core.Task, onAnswered func(core.HumanHandle)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return humansource.ErrClosed
	}
	if s.hired >= s.opts.Annotators {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d machine annotators hired", humansource.ErrNoWorkers, s.hired)
	}
	s.hired++
	h := &Handle{
		id:     uuid.NewString(),
		source: s,
		task:   task,
		model:  s.provider.ErrorModel(task.Model.VariableSizes()),
	}
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	go onAnswered(h)
	return nil
}

// Close implements core.HumanSource. Pending calls are cancelled and every
// unreleased annotator disconnects.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := s.handles
	s.mu.Unlock()

	s.cancel()
	for _, h := range handles {
		h.disconnect()
	}
	return nil
}

func (s *Source) rejoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hired > 0 {
		s.hired--
	}
}

// Handle is one hired machine annotator.
type Handle struct {
	id     string
	source *Source
	task   core.Task
	model  []core.Table

	mu           sync.Mutex
	released     bool
	gone         bool
	onDisconnect func()
}

// ID returns the annotator id.
func (h *Handle) ID() string { return h.id }

// MakeQuery implements core.HumanHandle: the model is prompted on its own
// goroutine and the answer parsed into a choice index.
func (h *Handle) MakeQuery(variable int, onResponse func(int), onFailure func()) {
	h.mu.Lock()
	stopped := h.released || h.gone
	h.mu.Unlock()
	if stopped {
		go onFailure()
		return
	}

	go func() {
		q := h.task.Question(variable)
		value, err := h.ask(q)
		if err != nil {
			h.source.opts.Logger.Warn("machine annotation failed", "task_id", h.task.ID, "variable", variable, "annotator", h.id, "error", err)
			onFailure()
			return
		}
		onResponse(value)
	}()
}

func (h *Handle) ask(q core.Question) (int, error) {
	ctx := h.source.ctx
	if t := h.source.opts.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	text, err := llm.Collect(ctx, h.source.model, llm.Request{
		Instructions: h.source.opts.Instructions,
		Messages:     []llm.Message{{Role: "user", Text: Prompt(q)}},
	})
	if err != nil {
		return 0, err
	}
	value, ok := ParseChoice(text, q.Choices)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, text)
	}
	return value, nil
}

// ErrorModel implements core.HumanHandle.
func (h *Handle) ErrorModel() []core.Table { return h.model }

// DelayModel implements core.HumanHandle.
func (h *Handle) DelayModel() core.Distribution { return h.source.opts.Delay }

// Release implements core.HumanHandle. The annotator slot is freed for the
// next posting.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	rejoin := !h.gone
	h.mu.Unlock()

	if rejoin {
		h.source.rejoin()
	}
}

// SetDisconnectedCallback implements core.HumanHandle.
func (h *Handle) SetDisconnectedCallback(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

func (h *Handle) disconnect() {
	h.mu.Lock()
	if h.released || h.gone {
		h.mu.Unlock()
		return
	}
	h.gone = true
	fn := h.onDisconnect
	h.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

// Prompt renders a question with numbered choices.
func Prompt(q core.Question) string {
	var b strings.Builder
	b.WriteString(q.Prompt)
	b.WriteString("\n")
	for i, c := range q.Choices {
		fmt.Fprintf(&b, "%d) %s\n", i, c)
	}
	return b.String()
}

// ParseChoice reads a model answer as a choice index. The first number in
// the answer wins; otherwise an answer equal to a choice's text (ignoring
// case, whitespace and a trailing period) selects it.
func ParseChoice(text string, choices []string) (int, bool) {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool { return r < '0' || r > '9' }) {
		n, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if n >= 0 && n < len(choices) {
			return n, true
		}
		return 0, false
	}
	answer := strings.TrimSuffix(strings.TrimSpace(text), ".")
	for i, c := range choices {
		if strings.EqualFold(answer, strings.TrimSpace(c)) {
			return i, true
		}
	}
	return 0, false
}

var (
	_ core.HumanSource = (*Source)(nil)
	_ core.HumanHandle = (*Handle)(nil)
)

package automation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dotpush/internal/delivery"
	"dotpush/internal/eventbus"
	"dotpush/internal/model"
	"dotpush/internal/runtime/supervisor"
	"dotpush/internal/storage"
	logx "dotpush/pkg/logx"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskDisabled        = errors.New("task disabled")
	ErrPayloadMismatch     = errors.New("payload type does not match task type")
	ErrInvalidDate         = errors.New("invalid date")
	ErrNotTextToImage      = errors.New("task is not text-to-image")
	ErrNoDevice            = errors.New("no device configured")
	ErrRendererUnavailable = errors.New("renderer unavailable")
	ErrNoCredential        = errors.New("no credential for device")
)

// DefaultTimezone is the reference zone for day windows and second matching.
const DefaultTimezone = "Asia/Shanghai"

// Config controls the automation service.
type Config struct {
	Timezone     string        // IANA TZ; empty means DefaultTimezone
	ExecTimeout  time.Duration // per execution; 0 means 30s
	LogRetention int           // in-memory log bound; 0 means 100
	Credentials  map[string]string
}

// Deliverer pushes a resolved payload to a device.
type Deliverer interface {
	SendText(ctx context.Context, apiKey string, msg delivery.TextMessage) error
	SendImage(ctx context.Context, apiKey string, msg delivery.ImageMessage) error
}

// MacroExpander resolves {NAME} placeholders at call time.
type MacroExpander interface {
	Replace(text string) string
}

// Renderer composes a text-over-image payload into an image data URL.
type Renderer interface {
	Render(ctx context.Context, p model.TextToImagePayload) (string, error)
}

type unavailableRenderer struct{}

func (unavailableRenderer) Render(context.Context, model.TextToImagePayload) (string, error) {
	return "", ErrRendererUnavailable
}

type identityMacros struct{}

func (identityMacros) Replace(s string) string { return s }

// Deps are the collaborators of Service. Store and Deliverer are required.
type Deps struct {
	Store     storage.Store
	Deliverer Deliverer
	Macros    MacroExpander
	Renderer  Renderer
	Bus       eventbus.Bus
	Clock     Clock
	Log       logx.Logger
}

// Service owns the task collection, the planned queue, the execution logs
// and the dispatch loop.
//
// Lock discipline: tmu, pmu, lmu, dmu and cmu guard independent resources
// and are never held at the same time. No lock is held across delivery.
type Service struct {
	cfg   Config
	loc   *time.Location
	log   logx.Logger
	store storage.Store
	send  Deliverer
	mac   MacroExpander
	rend  Renderer
	bus   eventbus.Bus
	clock Clock
	exp   *Expander
	sup   *supervisor.Supervisor

	enabled atomic.Bool

	tmu   sync.Mutex
	tasks map[string]model.Task

	pmu     sync.Mutex
	planned []model.PlannedItem

	lmu  sync.Mutex
	logs []model.TaskExecutionLog

	// debounce set of dates being planned
	imu      sync.Mutex
	planning map[string]struct{}

	// dispatch slot: items in flight and the last second a dispatch started
	dmu          sync.Mutex
	inflight     map[string]struct{}
	lastDispatch int64

	cmu   sync.Mutex
	creds map[string]string

	runMu   sync.Mutex
	running bool
}

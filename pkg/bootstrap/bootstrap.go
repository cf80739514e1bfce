// Package bootstrap runs the per-boot sequence against a metadata source:
// wait for the service, read metadata and user data, then pick up the
// initial password if the source has one.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/cloudboss/metaboot/pkg/cloudconfig"
	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/datasource"
	"github.com/cloudboss/metaboot/pkg/metadata"
	"github.com/cloudboss/metaboot/pkg/observe"
	"github.com/cloudboss/metaboot/pkg/password"
	"github.com/cloudboss/metaboot/pkg/poll"
)

var (
	ErrMissingInstanceID = errors.New("metadata has no instance-id")
)

type State int

const (
	StateIdle State = iota
	StateWaitingForService
	StateFetchingMetadata
	StateFetchingUserData
	StateRetrievingPassword
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForService:
		return "waiting-for-service"
	case StateFetchingMetadata:
		return "fetching-metadata"
	case StateFetchingUserData:
		return "fetching-user-data"
	case StateRetrievingPassword:
		return "retrieving-password"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Record is what a successful bootstrap produces. ExtraConfig is only set
// when a password was delivered during this run.
type Record struct {
	Datasource       string              `json:"datasource"`
	ServiceURL       string              `json:"service-url"`
	InstanceID       string              `json:"instance-id"`
	AvailabilityZone string              `json:"availability-zone,omitempty"`
	Metadata         map[string]any      `json:"metadata"`
	UserData         []byte              `json:"user-data,omitempty"`
	ExtraConfig      *cloudconfig.Config `json:"extra-config,omitempty"`
}

// UnreachableError is returned when the metadata service did not answer
// within the allowed wait. No record is produced in that case.
type UnreachableError struct {
	URLs    []string
	Elapsed time.Duration
	Err     error
}

func (u *UnreachableError) Error() string {
	return fmt.Sprintf("metadata service unreachable at %v after %d seconds: %s",
		u.URLs, int(u.Elapsed.Seconds()), u.Err)
}

func (u *UnreachableError) Unwrap() error {
	return u.Err
}

// Orchestrator drives a single bootstrap. It is not safe for concurrent use.
type Orchestrator struct {
	Observer observe.Observer
	Clock    clock.Clock
	Logger   *slog.Logger

	state State
}

func New(logger *slog.Logger, observer observe.Observer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Orchestrator{
		Observer: observer,
		Clock:    clock.WallClock,
		Logger:   logger,
	}
}

func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.state = to
	o.Observer.StateChanged(from.String(), to.String())
}

// Run performs the bootstrap against src. Only an unreachable service moves
// the orchestrator to StateFailed, a metadata error stops the run in
// StateFetchingMetadata. User data and password problems are logged and
// the run continues without them.
func (o *Orchestrator) Run(ctx context.Context, src datasource.Source) (*Record, error) {
	o.state = StateIdle
	start := o.Clock.Now()

	o.transition(StateWaitingForService)
	url, err := src.WaitForService(ctx)
	if err != nil {
		o.transition(StateFailed)
		return nil, o.unreachable(src, start, err)
	}

	o.transition(StateFetchingMetadata)
	md, err := src.FetchMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch metadata from %s: %w", src.Name(), err)
	}
	instanceID, ok := metadata.String(md, constants.MetadataKeyInstanceID)
	if !ok || len(instanceID) == 0 {
		return nil, ErrMissingInstanceID
	}
	zone, _ := metadata.String(md, constants.MetadataKeyAvailZone)

	record := &Record{
		Datasource:       src.Name(),
		ServiceURL:       url,
		InstanceID:       instanceID,
		AvailabilityZone: zone,
		Metadata:         md,
	}

	o.transition(StateFetchingUserData)
	userData, err := src.FetchUserData(ctx)
	if err != nil {
		o.Logger.Warn("Continuing without user data", "datasource", src.Name(), "error", err)
	}
	record.UserData = userData

	if passwordSource, ok := src.(datasource.PasswordSource); ok {
		o.transition(StateRetrievingPassword)
		record.ExtraConfig = o.retrievePassword(ctx, passwordSource)
	}

	o.transition(StateDone)
	o.Logger.Info("Finished fetching the metadata", "datasource", src.Name(),
		"seconds", int(o.Clock.Now().Sub(start).Seconds()))
	return record, nil
}

func (o *Orchestrator) retrievePassword(ctx context.Context, src datasource.PasswordSource) *cloudconfig.Config {
	result, err := src.FetchPassword(ctx)
	switch {
	case errors.Is(err, password.ErrUnacknowledged):
		o.Logger.Warn("Continuing without the unacknowledged password")
		return nil
	case err != nil:
		o.Logger.Warn("Continuing without a password", "error", err)
		return nil
	}
	if !result.Delivered() {
		o.Logger.Debug("No password to deliver", "state", result.State)
		return nil
	}
	return cloudconfig.ForPassword(result.Password)
}

func (o *Orchestrator) unreachable(src datasource.Source, start time.Time, err error) error {
	unreachable := &UnreachableError{
		Elapsed: o.Clock.Now().Sub(start),
		Err:     err,
	}
	var deadlineErr *poll.DeadlineError
	if errors.As(err, &deadlineErr) {
		unreachable.URLs = deadlineErr.URLs
		unreachable.Elapsed = deadlineErr.Elapsed
	}
	o.Logger.Error("Metadata service unreachable", "datasource", src.Name(),
		"seconds", int(unreachable.Elapsed.Seconds()), "error", err)
	return unreachable
}

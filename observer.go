package xconfbus

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("window", e.Window),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("source_window", e.Source),
	)
	switch e.Type {
	case Error, Nack:
		ev.Warn().Err(e.Err).Msg("xconfbus event")
	case BroadcastDone:
		if e.Err != nil {
			ev.Warn().Err(e.Err).Msg("xconfbus broadcast degraded")
			return
		}
		ev.With(xlog.Dur("duration", e.Duration)).Debug().Msg("xconfbus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xconfbus event")
	}
}

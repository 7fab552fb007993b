package rtp

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// SessionState - состояние жизненного цикла RTP сессии
type SessionState int

const (
	// SessionStateCreated - порт занят, трафика еще не было
	SessionStateCreated SessionState = iota
	// SessionStateActive - была первая отправка или опрос
	SessionStateActive
	// SessionStateClosed - сессия завершена, порт освобожден
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateCreated:
		return "created"
	case SessionStateActive:
		return "active"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	eventActivate = "activate"
	eventClose    = "close"
)

// newSessionFSM создает машину состояний сессии.
// Колбэки выполняются внутри Event и не должны обращаться к fsm.
func newSessionFSM(log logrus.FieldLogger, metrics *Metrics) *fsm.FSM {
	return fsm.NewFSM(
		SessionStateCreated.String(),
		fsm.Events{
			{Name: eventActivate, Src: []string{SessionStateCreated.String()}, Dst: SessionStateActive.String()},
			{Name: eventClose, Src: []string{SessionStateCreated.String(), SessionStateActive.String()}, Dst: SessionStateClosed.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.transition(e.Src, e.Dst)
				log.WithFields(logrus.Fields{
					"event": e.Event,
					"from":  e.Src,
					"to":    e.Dst,
				}).Debug("RTP сессия сменила состояние")
			},
		},
	)
}

func parseSessionState(s string) SessionState {
	switch s {
	case "created":
		return SessionStateCreated
	case "active":
		return SessionStateActive
	case "closed":
		return SessionStateClosed
	default:
		return SessionState(-1)
	}
}

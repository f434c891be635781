package command

import (
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"flowwatch/internal/auth"
	"flowwatch/internal/backend"
	"flowwatch/internal/config"
	dbmodel "flowwatch/internal/db"
	"flowwatch/internal/history"
	"flowwatch/internal/logging"
	"flowwatch/internal/tracker"
)

// session holds what a single command invocation opened. Fields are filled
// on demand; close releases whatever was opened.
type session struct {
	cfg    config.Config
	logger *slog.Logger

	db          *gorm.DB
	credentials *auth.Store
	history     *history.Store
	backend     *backend.Client
	tracker     *tracker.Client
}

func openStores(cfg config.Config, logger *slog.Logger) (*session, error) {
	gdb, err := dbmodel.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger, db: gdb}
	if s.credentials, err = auth.NewStore(gdb); err != nil {
		_ = s.close()
		return nil, err
	}
	if s.history, err = history.NewStore(gdb); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) credential() string {
	return auth.Source{Store: s.credentials, Logger: logging.For(s.logger, "auth")}.Token()
}

func (s *session) openBackend() (*backend.Client, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	c, err := backend.NewClient(backend.Options{
		BaseURL: s.cfg.APIBaseURL,
		Token:   s.credential(),
		Timeout: s.cfg.RequestTimeout,
		Logger:  logging.For(s.logger, "backend"),
	})
	if err != nil {
		return nil, err
	}
	s.backend = c
	return c, nil
}

func (s *session) openTracker() (*tracker.Client, error) {
	if s.tracker != nil {
		return s.tracker, nil
	}
	be, err := s.openBackend()
	if err != nil {
		return nil, err
	}
	if s.cfg.WSEndpoint == "" {
		return nil, errors.New("websocket endpoint is not configured")
	}
	t, err := tracker.New(tracker.Options{
		Endpoint:    s.cfg.WSEndpoint,
		Backend:     be,
		Credential:  s.credential,
		History:     s.history,
		MaxAttempts: s.cfg.ReconnectAttempts,
		BaseDelay:   s.cfg.ReconnectBaseDelay,
		MaxDelay:    s.cfg.ReconnectMaxDelay,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.tracker = t
	return t, nil
}

func (s *session) close() error {
	if s == nil {
		return nil
	}
	if s.tracker != nil {
		s.tracker.Close()
	}
	return dbmodel.Close(s.db)
}

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"swap-engine/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service authenticates API requests against static bearer tokens.
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService validates the configuration and builds the service.
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled, audit: logger.Audit()}, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}

	if len(cfg.Credentials) == 0 {
		return nil, errors.New("token 模式至少需要一个凭证")
	}
	svc := &Service{mode: ModeToken, audit: logger.Audit()}
	for _, c := range cfg.Credentials {
		token := strings.TrimSpace(c.Token)
		if token == "" {
			return nil, fmt.Errorf("凭证 %s 缺少 token", c.Name)
		}
		svc.credentials = append(svc.credentials, credential{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: c.Name, Permissions: append([]string(nil), c.Permissions...)},
		})
	}
	return svc, nil
}

// Mode returns the configured authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest resolves the subject behind an Authorization header.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Name: "anonymous", Permissions: []string{"*"}}, nil
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	for _, c := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 {
			subject := c.subject
			subject.permissionsSet = nil
			subject.normalise()
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}

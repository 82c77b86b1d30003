package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ragchat/store"
	"ragchat/types"
)

var errBadCredentials = fmt.Errorf("%w: invalid username or password", types.ErrAuth)

type Service struct {
	users  store.UserStore
	tokens *Issuer
	cost   int
	logger *zap.Logger
}

func NewService(users store.UserStore, tokens *Issuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{users: users, tokens: tokens, cost: bcrypt.DefaultCost, logger: logger.Named("auth")}
}

func (s *Service) Register(ctx context.Context, params types.RegisterParams) (*types.AuthResponse, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, fmt.Errorf("%w: password must be at most 72 bytes", types.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := types.User{
		ID:           uuid.NewString(),
		Username:     params.Username,
		Email:        params.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", zap.String("username", u.Username))
	return s.respond(u, false)
}

func (s *Service) Login(ctx context.Context, params types.LoginParams) (*types.AuthResponse, error) {
	u, err := s.users.GetUserByUsername(ctx, params.Username)
	if errors.Is(err, types.ErrNotFound) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(params.Password)) != nil {
		return nil, errBadCredentials
	}
	return s.respond(*u, params.RememberMe)
}

// Me resolves the caller named by a verified token.
func (s *Service) Me(ctx context.Context, username string) (*types.UserInfo, error) {
	u, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", types.ErrAuth)
	}
	if err != nil {
		return nil, err
	}
	return &types.UserInfo{Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}, nil
}

func (s *Service) Tokens() *Issuer {
	return s.tokens
}

func (s *Service) respond(u types.User, rememberMe bool) (*types.AuthResponse, error) {
	token, err := s.tokens.Issue(u.Username, rememberMe)
	if err != nil {
		return nil, err
	}
	return &types.AuthResponse{Token: token, Username: u.Username, Email: u.Email}, nil
}

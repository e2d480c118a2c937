package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/planloom/planloom-backend/internal/data/repos"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/platform/envutil"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

var ErrInvalidCredentials = errors.New("invalid credentials")
var ErrEmailTaken = errors.New("email already registered")

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Claims carried in access tokens; tier rides along so request handling
// does not need a user lookup for gating decisions.
type AccessClaims struct {
	UserID uuid.UUID
	Tier   string
}

type AuthService interface {
	Register(ctx context.Context, email, password string) (*types.User, *TokenPair, error)
	Login(ctx context.Context, email, password string) (*types.User, *TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	ValidateAccessToken(tokenString string) (*AccessClaims, error)
}

type authService struct {
	userRepo   repos.UserRepo
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *logger.Logger
}

func NewAuthService(userRepo repos.UserRepo, baseLog *logger.Logger) (AuthService, error) {
	secret := strings.TrimSpace(envutil.String("JWT_SECRET", ""))
	if secret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	return &authService{
		userRepo:   userRepo,
		secret:     []byte(secret),
		accessTTL:  envutil.Duration("ACCESS_TOKEN_TTL", 15*time.Minute),
		refreshTTL: envutil.Duration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		log:        baseLog.With("service", "AuthService"),
	}, nil
}

func (s *authService) Register(ctx context.Context, email, password string) (*types.User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(password) < 8 {
		return nil, nil, ErrInvalidCredentials
	}

	exists, err := s.userRepo.EmailExists(ctx, nil, email)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrEmailTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}
	created, err := s.userRepo.Create(ctx, nil, []*types.User{{
		Email:    email,
		Password: string(hashed),
		Tier:     types.TierFree,
	}})
	if err != nil {
		return nil, nil, err
	}
	user := created[0]

	tokens, err := s.mintTokenPair(user)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("Registered user", "user_id", user.ID.String())
	return user, tokens, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (*types.User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	users, err := s.userRepo.GetByEmails(ctx, nil, []string{email})
	if err != nil {
		return nil, nil, err
	}
	if len(users) != 1 {
		return nil, nil, ErrInvalidCredentials
	}
	user := users[0]
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, nil, ErrInvalidCredentials
	}

	tokens, err := s.mintTokenPair(user)
	if err != nil {
		return nil, nil, err
	}
	return user, tokens, nil
}

func (s *authService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parseToken(refreshToken, "refresh")
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	users, err := s.userRepo.GetByIDs(ctx, nil, []uuid.UUID{claims.UserID})
	if err != nil {
		return nil, err
	}
	if len(users) != 1 {
		return nil, ErrInvalidCredentials
	}
	return s.mintTokenPair(users[0])
}

func (s *authService) ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	return s.parseToken(tokenString, "access")
}

func (s *authService) mintTokenPair(user *types.User) (*TokenPair, error) {
	access, err := s.mintToken(user, "access", s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mintToken(user, "refresh", s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *authService) mintToken(user *types.User, use string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID.String(),
		"tier": user.Tier,
		"use":  use,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(s.secret)
}

func (s *authService) parseToken(tokenString, use string) (*AccessClaims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if got, _ := claims["use"].(string); got != use {
		return nil, ErrInvalidCredentials
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	tier, _ := claims["tier"].(string)
	return &AccessClaims{UserID: userID, Tier: tier}, nil
}

package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gigflow/commission"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrWeakPassword signals the password doesn't meet requirements.
	ErrWeakPassword = errors.New("account: password must be at least 8 characters")
)

// Service handles account business logic and token issuance.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new account. Performers start on the free tier unless
// one is supplied.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("account: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("account: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleCustomer
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("account: invalid role %q", role)
	}

	tier := req.Tier
	if tier == "" {
		tier = commission.TierFree
	}
	if tier != commission.TierFree && tier != commission.TierPro {
		return nil, fmt.Errorf("account: invalid tier %q", tier)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         role,
		Tier:         string(tier),
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login authenticates an account and returns a JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("account: generate token: %w", err)
	}

	return LoginResult{Token: token, User: user}, nil
}

// GetUserByID retrieves account information by id.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetPerformerTier resolves the performer's current subscription tier. Used
// at booking creation and for bid eligibility; the resolved commission rate
// is frozen onto the booking, never re-read.
func (s *Service) GetPerformerTier(ctx context.Context, performerID string) (commission.Tier, error) {
	user, err := s.repo.GetUserByID(ctx, performerID)
	if err != nil {
		return "", err
	}
	if user.Role != RolePerformer {
		return "", fmt.Errorf("account: user %s is not a performer", performerID)
	}
	return user.Tier, nil
}

// VerifyToken validates a JWT and returns the account id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("account: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("account: invalid user_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("account: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("account: invalid role %q in token", roleStr)
		}
		return userID, role, nil
	}

	return "", "", fmt.Errorf("account: invalid token")
}

func (s *Service) generateToken(userID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleCustomer, RolePerformer, RoleAdmin:
		return true
	default:
		return false
	}
}

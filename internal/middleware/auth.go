// Package middleware provides authentication, rate limiting, and request
// logging for the HTTP and websocket surfaces.
package middleware

import (
	"strconv"
	"strings"

	"parley/internal/config"
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// AuthRequired enforces a valid bearer token on protected routes. Tokens are
// issued by the identity service; this middleware only validates them.
func AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return unauthenticated(c, "Authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return unauthenticated(c, "Invalid authorization header format")
	}

	userID, err := validateToken(parts[1])
	if err != nil {
		return unauthenticated(c, err.Error())
	}

	c.Locals("userID", userID)
	return c.Next()
}

// WebSocketAuthRequired validates tokens for websocket upgrades. Browsers
// cannot set headers on websocket requests, so the token also rides in the
// `token` query parameter.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthenticated(c, "Token required")
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthenticated(c, "Invalid authorization header format")
		}
		token = parts[1]
	}

	userID, err := validateToken(token)
	if err != nil {
		return unauthenticated(c, err.Error())
	}

	c.Locals("userID", userID)
	return c.Next()
}

// validateToken checks the signature and extracts the user ID from the "sub"
// claim (RFC 7519 subject).
func validateToken(tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, models.NewUnauthenticatedError("Invalid signing method")
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, models.NewUnauthenticatedError("Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, models.NewUnauthenticatedError("Invalid token claims")
	}

	subStr, ok := claims["sub"].(string)
	if !ok {
		return 0, models.NewUnauthenticatedError("Invalid token subject")
	}

	userID, err := strconv.ParseUint(subStr, 10, 32)
	if err != nil {
		return 0, models.NewUnauthenticatedError("Invalid user ID in token")
	}
	return uint(userID), nil
}

func unauthenticated(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
		Error: message,
		Code:  models.CodeUnauthenticated,
	})
}

package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/openfinex/inventory-api/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	validateLimit = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	queryLimit    = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/validate"):
			limit = validateLimit
		case strings.HasPrefix(path, "/api/v1/inventory"),
			strings.HasPrefix(path, "/api/v1/positions"),
			strings.HasPrefix(path, "/api/v1/limits"):
			limit = queryLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5), // burst of 5
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates bearer tokens signed with the given secret and loads
// the claims into the request context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := parseToken(c, jwtSecret)
		if !ok {
			return
		}

		// Set individual claims in the context
		for key, value := range claims {
			c.Set(key, value)
		}

		// Also set the full claims object and explicit client_id
		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

// RequirePermission gates a route on a permission claim. Must run after
// JWTAuth or InternalAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing token claims")
			c.Abort()
			return
		}

		mapClaims, ok := claims.(jwt.MapClaims)
		if !ok {
			response.Unauthorized(c, "Invalid token claims")
			c.Abort()
			return
		}

		granted, _ := mapClaims["permissions"].([]interface{})
		for _, p := range granted {
			if s, ok := p.(string); ok && s == permission {
				c.Next()
				return
			}
		}

		response.Forbidden(c, fmt.Sprintf("Missing required permission: %s", permission))
		c.Abort()
	}
}

// InternalAuth gates engine-internal routes (position feed, rule admin,
// recalculation triggers) on the "internal" permission.
func InternalAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := parseToken(c, jwtSecret)
		if !ok {
			return
		}

		granted, _ := claims["permissions"].([]interface{})
		internal := false
		for _, p := range granted {
			if s, ok := p.(string); ok && s == "internal" {
				internal = true
				break
			}
		}
		if !internal {
			response.Forbidden(c, "Internal access required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

func parseToken(c *gin.Context, jwtSecret string) (jwt.MapClaims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})

	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, false
	}

	// Ensure required claims exist
	for _, claim := range []string{"client_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
			c.Abort()
			return nil, false
		}
	}

	return claims, true
}

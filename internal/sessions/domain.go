// Package sessions manages authenticated device sessions held in a fast
// expiring cache and mirrored in a durable store.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Data is the cached session payload consulted on every authenticated
// request. Roles and Permissions are a snapshot taken at creation or refresh.
type Data struct {
	SessionID    string    `json:"sessionId"`
	UserID       int64     `json:"userId"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions"`
	LoginTime    time.Time `json:"loginTime"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	UserAgent    string    `json:"userAgent"`
	IsActive     bool      `json:"isActive"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Record is the durable copy of a session.
type Record struct {
	ID           string
	UserID       int64
	IPAddress    string
	UserAgent    string
	LoginTime    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	IsActive     bool
	DestroyedAt  *time.Time
	// Seq is assigned by the store on insert and orders records created
	// within the same clock tick.
	Seq          int64
}

// Created is returned by CreateSession.
type Created struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Refreshed is returned by RefreshSession.
type Refreshed struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// Summary describes a session without exposing its id.
type Summary struct {
	Handle       string    `json:"handle"`
	IPAddress    string    `json:"ipAddress"`
	UserAgent    string    `json:"userAgent"`
	LoginTime    time.Time `json:"loginTime"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Current      bool      `json:"current"`
}

// Suspicion is the advisory verdict of CheckSuspiciousActivity.
type Suspicion struct {
	IsSuspicious bool   `json:"isSuspicious"`
	Reason       string `json:"reason,omitempty"`
}

// Stats aggregates active, non-expired durable sessions.
type Stats struct {
	TotalActiveSessions    int     `json:"totalActiveSessions"`
	TotalUsers             int     `json:"totalUsers"`
	AverageSessionsPerUser float64 `json:"averageSessionsPerUser"`
}

// Suspicion reasons.
const (
	ReasonMultipleIPs        = "Multiple IP addresses detected"
	ReasonMultipleUserAgents = "Multiple user agents detected"
	ReasonRapidCreation      = "Rapid session creation detected"
)

// Handle derives the public identifier listed in summaries. It is stable
// for a session id and cannot be turned back into one.
func Handle(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:8])
}

package auth

import "time"

type AccountKind string

const (
	KindAdmin    AccountKind = "admin"
	KindCustomer AccountKind = "customer"
)

// Account is one credential-store record: one admin per username, one
// customer per email. FailedAttempts and LockedUntil are mutated only by the
// login service; a nil LockedUntil means the account is not locked.
type Account struct {
	ID             string
	Kind           AccountKind
	Identity       string
	PasswordHash   string
	FailedAttempts int
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Profile is the caller-facing view of an account. It never carries the
// password hash or the lockout bookkeeping.
type Profile struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
}

func (a Account) Profile() Profile {
	return Profile{ID: a.ID, Kind: string(a.Kind), Identity: a.Identity}
}

// Session is a successful login or refresh result: the signed token plus the
// account it speaks for.
type Session struct {
	Token   string  `json:"token"`
	Account Profile `json:"user"`
}

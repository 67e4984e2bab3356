package entity

import "time"

// User is a row in the `users` table. Password holds the one-way hash and
// stays nil until the user provisions one after email verification.
type User struct {
	ID        int64      `db:"id" json:"id"`
	UniqueID  string     `db:"unique_id" json:"unique_id"`
	Name      string     `db:"name" json:"name"`
	Email     string     `db:"email" json:"email"`
	Password  *string    `db:"password" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
}

func (u *User) HasPassword() bool {
	return u.Password != nil && *u.Password != ""
}

// PersonalDetail is 1:1 with User.
type PersonalDetail struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Address   JSONDoc    `db:"address" json:"address"`
	DOB       *string    `db:"dob" json:"dob"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
}

// MFARecord holds the email-verification token. IsVerify only ever moves
// from false to true.
type MFARecord struct {
	ID         int64      `db:"id"`
	UserID     int64      `db:"user_id"`
	EmailToken string     `db:"email_token"`
	IsVerify   bool       `db:"is_verify"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	DeletedAt  *time.Time `db:"deleted_at"`
}

// OtpRecord tracks the outstanding login code of a user. At most one live
// code exists per user; issuing a new one overwrites it.
type OtpRecord struct {
	ID          int64      `db:"id"`
	UserID      int64      `db:"user_id"`
	OTP         *string    `db:"otp"`
	OTPExpiry   *time.Time `db:"otp_expiry"`
	OTPVerified bool       `db:"otp_verified"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// LoginSession is one row of login history. A session is open while
// LogoutTime is nil; at most one row system-wide has IsActive set.
type LoginSession struct {
	ID         int64      `db:"id" json:"id"`
	UserID     int64      `db:"user_id" json:"user_id"`
	LoginTime  time.Time  `db:"login_time" json:"login_time"`
	LogoutTime *time.Time `db:"logout_time" json:"logout_time"`
	Token      *string    `db:"token" json:"-"`
	IsActive   bool       `db:"is_active" json:"is_active"`
}

// SessionHolder identifies the user owning the active session.
type SessionHolder struct {
	UserID int64  `db:"user_id" json:"-"`
	Name   string `db:"name" json:"name"`
	Email  string `db:"email" json:"email"`
}

// NewUser is one queued import: the user plus the auxiliary rows created
// with it.
type NewUser struct {
	UniqueID   string
	Name       string
	Email      string
	Address    JSONDoc
	DOB        *string
	EmailToken string
}

// UserProfile is the composite view of a user and its personal detail.
type UserProfile struct {
	ID       int64   `db:"id" json:"id"`
	UniqueID string  `db:"unique_id" json:"unique_id"`
	Name     string  `db:"name" json:"name"`
	Email    string  `db:"email" json:"email"`
	DOB      *string `db:"dob" json:"dob"`
	Address  JSONDoc `db:"address" json:"address"`
}

// UserFilter selects users for the dashboard listing.
type UserFilter struct {
	ExcludeID int64
	Search    string
	DOB       string
	Limit     int
	Offset    int
}

// ProfilePatch is a partial profile update; nil fields are left unchanged.
type ProfilePatch struct {
	Name    *string
	Address JSONDoc
	DOB     *string
}

func (p ProfilePatch) TouchesDetail() bool {
	return p.Address != nil || p.DOB != nil
}

package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
)

// MemoryStore is an in-process Store for development and tests. One mutex
// guards all state, so every method is atomic.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	users    map[int64]*entity.User
	details  map[int64]*entity.PersonalDetail // by user id
	mfa      map[int64]*entity.MFARecord      // by user id
	otps     map[int64]*entity.OtpRecord      // by user id
	sessions []*entity.LoginSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		users:   make(map[int64]*entity.User),
		details: make(map[int64]*entity.PersonalDetail),
		mfa:     make(map[int64]*entity.MFARecord),
		otps:    make(map[int64]*entity.OtpRecord),
	}
}

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryStore) liveUserByEmail(email string) *entity.User {
	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.DeletedAt == nil && strings.ToLower(u.Email) == email {
			return u
		}
	}
	return nil
}

func (m *MemoryStore) FindUserByEmail(_ context.Context, email string) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.liveUserByEmail(email)
	if u == nil {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) FindUserByID(_ context.Context, id int64) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUsers(_ context.Context, in []entity.NewUser) ([]entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate the whole batch before touching state
	seenEmail := make(map[string]bool, len(in))
	seenUID := make(map[string]bool, len(in))
	for _, nu := range in {
		email := strings.ToLower(nu.Email)
		if seenEmail[email] || m.liveUserByEmail(email) != nil {
			return nil, fmt.Errorf("%w: users_email_live", ErrDuplicate)
		}
		if seenUID[nu.UniqueID] || m.uniqueIDTaken(nu.UniqueID) {
			return nil, fmt.Errorf("%w: users_unique_id_key", ErrDuplicate)
		}
		seenEmail[email] = true
		seenUID[nu.UniqueID] = true
	}

	now := m.now()
	out := make([]entity.User, len(in))
	for i, nu := range in {
		u := &entity.User{ID: m.nextID(), UniqueID: nu.UniqueID, Name: nu.Name, Email: nu.Email, CreatedAt: now, UpdatedAt: now}
		m.users[u.ID] = u
		m.details[u.ID] = &entity.PersonalDetail{
			ID: m.nextID(), UserID: u.ID, Address: cloneDoc(nu.Address), DOB: cloneStr(nu.DOB), CreatedAt: now, UpdatedAt: now,
		}
		m.mfa[u.ID] = &entity.MFARecord{ID: m.nextID(), UserID: u.ID, EmailToken: nu.EmailToken, CreatedAt: now, UpdatedAt: now}
		out[i] = *u
	}
	return out, nil
}

func (m *MemoryStore) uniqueIDTaken(uid string) bool {
	for _, u := range m.users {
		if u.UniqueID == uid {
			return true
		}
	}
	return false
}

func (m *MemoryStore) FindMFAByToken(_ context.Context, email, token string) (*entity.MFARecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.liveUserByEmail(email)
	if u == nil {
		return nil, ErrNotFound
	}
	rec, ok := m.mfa[u.ID]
	if !ok || rec.DeletedAt != nil || rec.EmailToken != token {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MarkEmailVerified(_ context.Context, mfaID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.mfa {
		if rec.ID == mfaID && rec.DeletedAt == nil {
			if rec.IsVerify {
				return false, nil
			}
			rec.IsVerify = true
			rec.UpdatedAt = m.now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) FindVerifiedUser(_ context.Context, email string) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.liveUserByEmail(email)
	if u == nil {
		return nil, ErrNotFound
	}
	rec, ok := m.mfa[u.ID]
	if !ok || rec.DeletedAt != nil || !rec.IsVerify {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetPasswordOnce(_ context.Context, userID int64, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.DeletedAt != nil || u.Password != nil {
		return false, nil
	}
	u.Password = &hash
	u.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) UpsertOTP(_ context.Context, userID int64, otp string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.otps[userID]
	if !ok {
		rec = &entity.OtpRecord{ID: m.nextID(), UserID: userID, CreatedAt: now}
		m.otps[userID] = rec
	}
	rec.OTP = &otp
	rec.OTPExpiry = &expiry
	rec.OTPVerified = false
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryStore) FindOTP(_ context.Context, userID int64) (*entity.OtpRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.otps[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ConsumeOTP(_ context.Context, userID int64, otp string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.otps[userID]
	if !ok || rec.OTP == nil || rec.OTPExpiry == nil || *rec.OTP != otp || now.After(*rec.OTPExpiry) {
		return false, nil
	}
	rec.OTP = nil
	rec.OTPExpiry = nil
	rec.OTPVerified = true
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) activeHolder() *entity.SessionHolder {
	for _, s := range m.sessions {
		if s.IsActive && s.LogoutTime == nil {
			u := m.users[s.UserID]
			return &entity.SessionHolder{UserID: u.ID, Name: u.Name, Email: u.Email}
		}
	}
	return nil
}

func (m *MemoryStore) ActiveSession(_ context.Context) (*entity.SessionHolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.activeHolder()
	if h == nil {
		return nil, ErrNotFound
	}
	return h, nil
}

func (m *MemoryStore) OpenSession(_ context.Context, userID int64, token string, at time.Time) (*entity.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.activeHolder(); h != nil {
		return nil, &ActiveSessionError{Holder: *h}
	}
	if _, ok := m.users[userID]; !ok {
		return nil, ErrNotFound
	}
	s := &entity.LoginSession{ID: m.nextID(), UserID: userID, LoginTime: at, Token: &token, IsActive: true}
	m.sessions = append(m.sessions, s)
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindOpenSession(_ context.Context, userID int64, token string) (*entity.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := m.sessions[i]
		if s.UserID == userID && s.LogoutTime == nil && s.Token != nil && *s.Token == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CloseSession(_ context.Context, userID int64, token string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed := false
	for _, s := range m.sessions {
		if s.UserID == userID && s.LogoutTime == nil && s.Token != nil && *s.Token == token {
			t := at
			s.LogoutTime = &t
			s.Token = nil
			s.IsActive = false
			closed = true
		}
	}
	return closed, nil
}

func (m *MemoryStore) profile(u *entity.User) entity.UserProfile {
	p := entity.UserProfile{ID: u.ID, UniqueID: u.UniqueID, Name: u.Name, Email: u.Email}
	if d, ok := m.details[u.ID]; ok && d.DeletedAt == nil {
		p.DOB = cloneStr(d.DOB)
		p.Address = cloneDoc(d.Address)
	}
	return p
}

func (m *MemoryStore) ListUsers(_ context.Context, f entity.UserFilter) ([]entity.UserProfile, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	search := strings.ToLower(f.Search)
	matched := []entity.UserProfile{}
	for _, u := range m.users {
		if u.DeletedAt != nil || u.ID == f.ExcludeID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Name), search) && !strings.Contains(strings.ToLower(u.Email), search) {
			continue
		}
		p := m.profile(u)
		if f.DOB != "" && (p.DOB == nil || *p.DOB != f.DOB) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID int64) (*entity.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	p := m.profile(u)
	return &p, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, userID int64, patch entity.ProfilePatch) (*entity.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	now := m.now()
	if patch.Name != nil {
		u.Name = *patch.Name
		u.UpdatedAt = now
	}
	if patch.TouchesDetail() {
		d, ok := m.details[userID]
		if !ok {
			d = &entity.PersonalDetail{ID: m.nextID(), UserID: userID, CreatedAt: now}
			m.details[userID] = d
		}
		if d.DeletedAt == nil {
			if patch.Address != nil {
				d.Address = cloneDoc(patch.Address)
			}
			if patch.DOB != nil {
				d.DOB = cloneStr(patch.DOB)
			}
			d.UpdatedAt = now
		}
	}
	p := m.profile(u)
	return &p, nil
}

// SoftDeleteUser marks a user and its auxiliary rows deleted.
func (m *MemoryStore) SoftDeleteUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.DeletedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	u.DeletedAt = &now
	if d, ok := m.details[userID]; ok {
		d.DeletedAt = &now
	}
	if rec, ok := m.mfa[userID]; ok {
		rec.DeletedAt = &now
	}
	return nil
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneDoc(d entity.JSONDoc) entity.JSONDoc {
	if d == nil {
		return nil
	}
	return append(entity.JSONDoc(nil), d...)
}

package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

const usersCollection = "users"

// trustedDeviceDoc is the embedded shape of one remembered device.
type trustedDeviceDoc struct {
	DeviceID   string    `bson:"deviceId"`
	DeviceName string    `bson:"deviceName,omitempty"`
	FirstSeen  time.Time `bson:"firstSeen"`
}

// loginAttemptDoc is one entry of the login-history ring.
type loginAttemptDoc struct {
	Timestamp time.Time `bson:"timestamp"`
	IP        string    `bson:"ip,omitempty"`
	UserAgent string    `bson:"userAgent,omitempty"`
	Location  string    `bson:"location,omitempty"`
	Success   bool      `bson:"success"`
	Reason    string    `bson:"reason,omitempty"`
}

// userDoc is the MongoDB document shape of an account. Single-use token
// hashes and the lock timestamp carry omitempty so clearing them in the
// record removes the field on the next replace.
type userDoc struct {
	ID           mongo.ObjectID `bson:"_id,omitempty"`
	Email        string         `bson:"email"`
	Name         string         `bson:"name,omitempty"`
	PasswordHash string         `bson:"passwordHash,omitempty"`
	Role         string         `bson:"role"`
	Provider     string         `bson:"provider"`
	TokenVersion int            `bson:"tokenVersion"`

	IsEmailVerified       bool      `bson:"isEmailVerified"`
	VerificationTokenHash string    `bson:"verificationTokenHash,omitempty"`
	VerificationExpiresAt time.Time `bson:"verificationExpiresAt,omitempty"`

	ResetTokenHash string    `bson:"resetTokenHash,omitempty"`
	ResetExpiresAt time.Time `bson:"resetExpiresAt,omitempty"`

	PasswordHistory    []string  `bson:"passwordHistory,omitempty"`
	LastPasswordChange time.Time `bson:"lastPasswordChange,omitempty"`

	TwoFactorEnabled    bool      `bson:"twoFactorEnabled"`
	TwoFactorSecret     string    `bson:"twoFactorSecret,omitempty"`
	TwoFactorTempSecret string    `bson:"twoFactorTempSecret,omitempty"`
	BackupCodeHashes    []string  `bson:"backupCodeHashes,omitempty"`
	TempTokenHash       string    `bson:"tempTokenHash,omitempty"`
	TempTokenExpiresAt  time.Time `bson:"tempTokenExpiresAt,omitempty"`

	FailedLoginAttempts int       `bson:"failedLoginAttempts"`
	AccountLockedUntil  time.Time `bson:"accountLockedUntil,omitempty"`

	TrustedDevices []trustedDeviceDoc `bson:"trustedDevices,omitempty"`
	LoginHistory   []loginAttemptDoc  `bson:"loginHistory,omitempty"`

	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func userDocOf(u app.UserRecord) (userDoc, error) {
	doc := userDoc{
		Email:                 u.Email,
		Name:                  u.Name,
		PasswordHash:          u.PasswordHash,
		Role:                  string(u.Role),
		Provider:              string(u.Provider),
		TokenVersion:          u.TokenVersion,
		IsEmailVerified:       u.IsEmailVerified,
		VerificationTokenHash: u.VerificationTokenHash,
		VerificationExpiresAt: u.VerificationExpiresAt,
		ResetTokenHash:        u.ResetTokenHash,
		ResetExpiresAt:        u.ResetExpiresAt,
		PasswordHistory:       u.PasswordHistory,
		LastPasswordChange:    u.LastPasswordChange,
		TwoFactorEnabled:      u.TwoFactorEnabled,
		TwoFactorSecret:       u.TwoFactorSecret,
		TwoFactorTempSecret:   u.TwoFactorTempSecret,
		BackupCodeHashes:      u.BackupCodeHashes,
		TempTokenHash:         u.TempTokenHash,
		TempTokenExpiresAt:    u.TempTokenExpiresAt,
		FailedLoginAttempts:   u.FailedLoginAttempts,
		AccountLockedUntil:    u.AccountLockedUntil,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
	if u.ID != "" {
		oid, err := mongo.ObjectIDFromHex(u.ID)
		if err != nil {
			return userDoc{}, fmt.Errorf("malformed user id %q: %w", u.ID, err)
		}
		doc.ID = oid
	}
	for _, d := range u.TrustedDevices {
		doc.TrustedDevices = append(doc.TrustedDevices, trustedDeviceDoc(d))
	}
	for _, a := range u.LoginHistory {
		doc.LoginHistory = append(doc.LoginHistory, loginAttemptDoc(a))
	}
	return doc, nil
}

func (d userDoc) record() *app.UserRecord {
	u := &app.UserRecord{
		ID:                    d.ID.Hex(),
		Email:                 d.Email,
		Name:                  d.Name,
		PasswordHash:          d.PasswordHash,
		Role:                  domain.Role(d.Role),
		Provider:              domain.Provider(d.Provider),
		TokenVersion:          d.TokenVersion,
		IsEmailVerified:       d.IsEmailVerified,
		VerificationTokenHash: d.VerificationTokenHash,
		VerificationExpiresAt: d.VerificationExpiresAt,
		ResetTokenHash:        d.ResetTokenHash,
		ResetExpiresAt:        d.ResetExpiresAt,
		PasswordHistory:       d.PasswordHistory,
		LastPasswordChange:    d.LastPasswordChange,
		TwoFactorEnabled:      d.TwoFactorEnabled,
		TwoFactorSecret:       d.TwoFactorSecret,
		TwoFactorTempSecret:   d.TwoFactorTempSecret,
		BackupCodeHashes:      d.BackupCodeHashes,
		TempTokenHash:         d.TempTokenHash,
		TempTokenExpiresAt:    d.TempTokenExpiresAt,
		FailedLoginAttempts:   d.FailedLoginAttempts,
		AccountLockedUntil:    d.AccountLockedUntil,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
	for _, td := range d.TrustedDevices {
		u.TrustedDevices = append(u.TrustedDevices, app.TrustedDevice(td))
	}
	for _, la := range d.LoginHistory {
		u.LoginHistory = append(u.LoginHistory, app.LoginAttempt(la))
	}
	return u
}

var _ app.UserStore = (*UserStore)(nil)

// UserStore persists accounts in the users collection.
type UserStore struct {
	col *mongo.Collection
}

// NewUserStore returns a UserStore over db's users collection.
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{col: db.Collection(usersCollection)}
}

// EnsureIndexes creates the unique email index and the single-use token
// lookups. Called once at startup.
func (s *UserStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		mongo.UniqueIndex("email"),
		mongo.Index("verificationTokenHash"),
		mongo.Index("resetTokenHash"),
		mongo.Index("tempTokenHash"),
	})
	if err != nil {
		return fmt.Errorf("user store: create indexes: %w", err)
	}
	return nil
}

// Create inserts the account. The unique email index decides signup races;
// the loser surfaces domain.ErrAlreadyExists.
func (s *UserStore) Create(ctx context.Context, u app.UserRecord) (string, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.create")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", usersCollection))

	doc, err := userDocOf(u)
	if err != nil {
		return "", fmt.Errorf("user store: create: %w", err)
	}
	doc.ID = mongo.NewObjectID()

	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKey(err) {
			return "", fmt.Errorf("user store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("user store: create: %w", err)
	}
	return doc.ID.Hex(), nil
}

// GetByID loads one account. Malformed IDs read as absent: the only IDs in
// circulation are ones this service minted, so a bad shape is a bad token,
// not an internal error.
func (s *UserStore) GetByID(ctx context.Context, id string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.get_by_id")
	defer span.End()

	oid, err := mongo.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("user store: get %q: %w", id, domain.ErrNotFound)
	}
	return s.findOne(ctx, mongo.M{"_id": oid})
}

// FindByEmail looks up by normalized address.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.find_by_email")
	defer span.End()

	return s.findOne(ctx, mongo.M{"email": email})
}

// FindByVerificationToken resolves an email-verification token hash.
func (s *UserStore) FindByVerificationToken(ctx context.Context, tokenHash string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.find_by_verification_token")
	defer span.End()

	return s.findOne(ctx, mongo.M{"verificationTokenHash": tokenHash})
}

// FindByResetToken resolves a password-reset token hash.
func (s *UserStore) FindByResetToken(ctx context.Context, tokenHash string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.find_by_reset_token")
	defer span.End()

	return s.findOne(ctx, mongo.M{"resetTokenHash": tokenHash})
}

// FindByTempToken resolves a two-factor handoff token hash.
func (s *UserStore) FindByTempToken(ctx context.Context, tokenHash string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.find_by_temp_token")
	defer span.End()

	return s.findOne(ctx, mongo.M{"tempTokenHash": tokenHash})
}

func (s *UserStore) findOne(ctx context.Context, filter mongo.M) (*app.UserRecord, error) {
	var doc userDoc
	if err := s.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if mongo.IsNoDocuments(err) {
			return nil, fmt.Errorf("user store: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("user store: find: %w", err)
	}
	return doc.record(), nil
}

// Update replaces the whole document. Fields cleared on the record drop
// out of the document via omitempty, so consuming a single-use token
// removes its hash instead of leaving an empty string behind.
func (s *UserStore) Update(ctx context.Context, u *app.UserRecord) error {
	ctx, span := tracer.Start(ctx, "mongo.users.update")
	defer span.End()

	doc, err := userDocOf(*u)
	if err != nil {
		return fmt.Errorf("user store: update: %w", err)
	}

	res, err := s.col.ReplaceOne(ctx, mongo.M{"_id": doc.ID}, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: update: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user store: update: %w", domain.ErrNotFound)
	}
	return nil
}

// RecordFailure bumps the failure counter and appends to the bounded login
// history in one atomic write, returning the post-increment count so the
// caller can decide on a lock without a second read.
func (s *UserStore) RecordFailure(ctx context.Context, userID string, attempt app.LoginAttempt) (int, error) {
	ctx, span := tracer.Start(ctx, "mongo.users.record_failure")
	defer span.End()

	oid, err := mongo.ObjectIDFromHex(userID)
	if err != nil {
		return 0, fmt.Errorf("user store: record failure %q: %w", userID, domain.ErrNotFound)
	}

	update := mongo.M{
		"$inc": mongo.M{"failedLoginAttempts": 1},
		"$set": mongo.M{"updatedAt": attempt.Timestamp},
		"$push": mongo.M{
			"loginHistory": mongo.M{
				"$each":  []loginAttemptDoc{loginAttemptDoc(attempt)},
				"$slice": -domain.LoginHistorySize,
			},
		},
	}

	var doc userDoc
	err = s.col.FindOneAndUpdate(ctx, mongo.M{"_id": oid}, update,
		mongo.FindOneAndUpdateOpts().SetReturnDocument(mongo.ReturnAfter),
	).Decode(&doc)
	if err != nil {
		if mongo.IsNoDocuments(err) {
			return 0, fmt.Errorf("user store: record failure: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("user store: record failure: %w", err)
	}
	return doc.FailedLoginAttempts, nil
}

// RecordSuccess zeroes the failure counter, drops any expired lock, and
// appends the attempt to the history ring.
func (s *UserStore) RecordSuccess(ctx context.Context, userID string, attempt app.LoginAttempt) error {
	ctx, span := tracer.Start(ctx, "mongo.users.record_success")
	defer span.End()

	oid, err := mongo.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("user store: record success %q: %w", userID, domain.ErrNotFound)
	}

	update := mongo.M{
		"$set":   mongo.M{"failedLoginAttempts": 0, "updatedAt": attempt.Timestamp},
		"$unset": mongo.M{"accountLockedUntil": ""},
		"$push": mongo.M{
			"loginHistory": mongo.M{
				"$each":  []loginAttemptDoc{loginAttemptDoc(attempt)},
				"$slice": -domain.LoginHistorySize,
			},
		},
	}
	res, err := s.col.UpdateOne(ctx, mongo.M{"_id": oid}, update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: record success: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user store: record success: %w", domain.ErrNotFound)
	}
	return nil
}

// LockUntil stamps the lock timestamp on the account.
func (s *UserStore) LockUntil(ctx context.Context, userID string, until time.Time) error {
	ctx, span := tracer.Start(ctx, "mongo.users.lock_until")
	defer span.End()

	oid, err := mongo.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("user store: lock %q: %w", userID, domain.ErrNotFound)
	}

	res, err := s.col.UpdateOne(ctx, mongo.M{"_id": oid}, mongo.M{
		"$set": mongo.M{"accountLockedUntil": until, "updatedAt": until},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: lock: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user store: lock: %w", domain.ErrNotFound)
	}
	return nil
}

// AddTrustedDevice appends a first-seen device to the account.
func (s *UserStore) AddTrustedDevice(ctx context.Context, userID string, device app.TrustedDevice) error {
	ctx, span := tracer.Start(ctx, "mongo.users.add_trusted_device")
	defer span.End()

	oid, err := mongo.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("user store: add device %q: %w", userID, domain.ErrNotFound)
	}

	res, err := s.col.UpdateOne(ctx, mongo.M{"_id": oid}, mongo.M{
		"$push": mongo.M{"trustedDevices": trustedDeviceDoc(device)},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: add device: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user store: add device: %w", domain.ErrNotFound)
	}
	return nil
}

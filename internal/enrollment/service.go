// Package enrollment は参加者の署名用識別子を認証局に登録し、ウォレットへ格納する。
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/couponledger/internal/ca"
	"github.com/hitoshi/couponledger/internal/model"
	"github.com/hitoshi/couponledger/internal/wallet"
)

var (
	// ErrAdminNotProvisioned は管理者の識別子がウォレットに存在しないことを示す。
	ErrAdminNotProvisioned = errors.New("admin account not registered yet")
	// ErrIdentityAlreadyEnrolled は指定IDが既にウォレットに存在することを示す。
	ErrIdentityAlreadyEnrolled = errors.New("identity already enrolled")
)

// Result は登録結果。
type Result struct {
	Secret      string
	Fingerprint string
}

// Config は登録サービスの設定。
type Config struct {
	AdminID     string
	MSPID       string
	Affiliation string
}

// Service は識別子の登録を行う。
type Service struct {
	wallet wallet.Store
	ca     ca.Client
	cfg    Config
	logger *slog.Logger
}

// NewService は Service を生成する。
func NewService(w wallet.Store, client ca.Client, cfg Config, logger *slog.Logger) *Service {
	return &Service{wallet: w, ca: client, cfg: cfg, logger: logger}
}

// Enroll は id を認証局に登録して証明書を取得し、ウォレットに格納する。
// ウォレットへの書き込みは最後に行うため、途中で失敗した場合は何も残らない。
func (s *Service) Enroll(ctx context.Context, id, password string, participantType model.ParticipantType) (*Result, error) {
	if id == "" {
		return nil, errors.New("enrollment id is empty")
	}

	admin, err := s.adminCredential()
	if err != nil {
		return nil, err
	}

	exists, err := s.wallet.Exists(id)
	if err != nil {
		return nil, fmt.Errorf("failed to check wallet: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrIdentityAlreadyEnrolled, id)
	}

	secret, err := s.ca.Register(ctx, admin, ca.RegistrationRequest{
		EnrollmentID: id,
		Secret:       password,
		Role:         "client",
		Affiliation:  s.cfg.Affiliation,
		Attributes: []ca.Attribute{
			{Name: "type", Value: string(participantType), ECert: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", id, err)
	}

	enr, err := s.ca.Enroll(ctx, id, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to enroll %s: %w", id, err)
	}

	fingerprint, err := ca.Fingerprint(enr.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint certificate for %s: %w", id, err)
	}

	if err := s.wallet.Put(id, wallet.Credential{
		MSPID:          s.cfg.MSPID,
		CertificatePEM: enr.CertificatePEM,
		PrivateKeyPEM:  enr.PrivateKeyPEM,
	}); err != nil {
		return nil, fmt.Errorf("failed to import %s into wallet: %w", id, err)
	}

	s.logger.Info("identity enrolled",
		slog.String("identity", id),
		slog.String("participant_type", string(participantType)),
		slog.String("fingerprint", fingerprint),
	)

	return &Result{Secret: secret, Fingerprint: fingerprint}, nil
}

// EnrollAdmin は管理者をブートストラップ用シークレットで認証局から取得し、ウォレットに格納する。
// 既に存在する場合は何もしない。
func (s *Service) EnrollAdmin(ctx context.Context, secret string) (bool, error) {
	exists, err := s.wallet.Exists(s.cfg.AdminID)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet: %w", err)
	}
	if exists {
		return false, nil
	}
	if secret == "" {
		return false, errors.New("admin enrollment secret is empty")
	}

	enr, err := s.ca.Enroll(ctx, s.cfg.AdminID, secret)
	if err != nil {
		return false, fmt.Errorf("failed to enroll admin: %w", err)
	}

	if err := s.wallet.Put(s.cfg.AdminID, wallet.Credential{
		MSPID:          s.cfg.MSPID,
		CertificatePEM: enr.CertificatePEM,
		PrivateKeyPEM:  enr.PrivateKeyPEM,
	}); err != nil {
		return false, fmt.Errorf("failed to import admin into wallet: %w", err)
	}

	s.logger.Info("admin enrolled", slog.String("identity", s.cfg.AdminID))
	return true, nil
}

func (s *Service) adminCredential() (wallet.Credential, error) {
	cred, err := s.wallet.Get(s.cfg.AdminID)
	if errors.Is(err, wallet.ErrNotFound) {
		return wallet.Credential{}, ErrAdminNotProvisioned
	}
	if err != nil {
		return wallet.Credential{}, fmt.Errorf("failed to load admin credential: %w", err)
	}
	return cred, nil
}

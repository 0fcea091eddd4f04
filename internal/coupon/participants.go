package coupon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/couponledger/internal/model"
)

// Authenticate は参加者のユーザー名とパスワードを照合する。
// 利用者クラスではユーザー名を "username@peer" として照会し、
// 消費者の場合は認証後に期限切れクーポンの判定を台帳に反映させる。
// 返す参加者の Type はトークンに載せる参加者種別に正規化される。
func (s *Service) Authenticate(ctx context.Context, class model.ParticipantClass, in Credentials) (*model.Participant, error) {
	ctx, done := s.begin(ctx, "authenticate", nil)
	p, err := s.authenticate(ctx, class, in)
	return p, done(err)
}

func (s *Service) authenticate(ctx context.Context, class model.ParticipantClass, in Credentials) (*model.Participant, error) {
	if in.Username == "" {
		return nil, missing("username")
	}
	if in.Password == "" {
		return nil, missing("password")
	}

	username := in.Username
	switch class {
	case model.ClassServiceUser:
		if in.Peer == "" {
			return nil, missing("peer")
		}
		username = in.Username + "@" + in.Peer
	case model.ClassServiceProvider:
	default:
		return nil, model.NewValidationError("unsupported participant class %s", class)
	}

	denied := model.NewAuthenticationError(fmt.Sprintf("Access denied for user [%s].", username), nil)

	raw, err := s.platform.QueryParticipant(ctx, s.cfg.AdminIdentity, class.String(), "username", username)
	if err != nil {
		return nil, err
	}
	if isEmpty(raw) {
		return nil, denied
	}

	var p model.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, wrapDecode("participant", err)
	}

	ok, err := s.hasher.Compare(p.Password, in.Password)
	if err != nil || !ok {
		return nil, denied
	}

	if class == model.ClassServiceProvider {
		p.Type = string(model.ParticipantProvider)
	} else {
		p.Type = string(p.UserType)
		if p.UserType == model.ParticipantConsumer {
			if _, err := s.service.CheckExpiration(ctx, p.ID); err != nil {
				return nil, err
			}
		}
	}

	public := p.Public()
	return &public, nil
}

// RegisterUser は消費者を登録する。台帳への登録は管理者として行い、
// 続けて署名用識別子を発行して証明書の指紋を台帳に刻む。
func (s *Service) RegisterUser(ctx context.Context, in RegisterParticipantInput) (*Registration, error) {
	ctx, done := s.begin(ctx, "registerUser", nil)
	reg, err := s.registerServiceUser(ctx, s.cfg.AdminIdentity, model.ParticipantConsumer, in, in.Peer, true)
	return reg, done(err)
}

// RegisterStore は呼び出し元の発行元に属する店舗を登録する。
func (s *Service) RegisterStore(ctx context.Context, caller *model.Caller, in RegisterParticipantInput) (*Registration, error) {
	ctx, done := s.begin(ctx, "registerStore", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	reg, err := s.registerServiceUser(ctx, caller.ID, model.ParticipantStore, in, caller.Peer, false)
	return reg, done(err)
}

func (s *Service) registerServiceUser(
	ctx context.Context,
	identity string,
	userType model.ParticipantType,
	in RegisterParticipantInput,
	peer string,
	requirePeer bool,
) (*Registration, error) {
	if err := validateRegistration(in, requirePeer); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	participant := model.Participant{
		ID:       id,
		Username: in.Username + "@" + peer,
		Password: hash,
		Name:     s.clean(in.Name),
		UserType: userType,
		Peer:     peer,
	}

	if userType == model.ParticipantStore {
		_, err = s.service.RegisterStore(ctx, identity, participant)
	} else {
		_, err = s.service.RegisterUser(ctx, identity, participant)
	}
	if err != nil {
		return nil, err
	}

	return s.enrollAndStamp(ctx, model.ClassServiceUser, id, in.Password, userType)
}

// RegisterProvider は発行元を登録する。管理APIキーで保護された経路からのみ呼ばれる。
func (s *Service) RegisterProvider(ctx context.Context, in RegisterParticipantInput) (*Registration, error) {
	ctx, done := s.begin(ctx, "registerProvider", nil)
	reg, err := s.registerProvider(ctx, in)
	return reg, done(err)
}

func (s *Service) registerProvider(ctx context.Context, in RegisterParticipantInput) (*Registration, error) {
	if err := validateRegistration(in, true); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	provider := model.Participant{
		ID:       id,
		Username: in.Username,
		Password: hash,
		Name:     s.clean(in.Name),
		Type:     string(model.ParticipantProvider),
		Peer:     in.Peer,
	}
	if _, err := s.platform.RegisterProvider(ctx, s.cfg.AdminIdentity, provider); err != nil {
		return nil, err
	}

	return s.enrollAndStamp(ctx, model.ClassServiceProvider, id, in.Password, model.ParticipantProvider)
}

// enrollAndStamp は台帳登録済みの参加者に署名用識別子を発行し、指紋を台帳に刻む。
func (s *Service) enrollAndStamp(ctx context.Context, class model.ParticipantClass, id, password string, t model.ParticipantType) (*Registration, error) {
	result, err := s.enroller.Enroll(ctx, id, password, t)
	if err != nil {
		s.logger.Error("participant registered on ledger but enrollment failed",
			slog.String("participant_id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if _, err := s.platform.StampFingerprint(ctx, s.cfg.AdminIdentity, class.String(), id, result.Fingerprint); err != nil {
		s.logger.Error("participant enrolled but fingerprint stamp failed",
			slog.String("participant_id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	return &Registration{ID: id, Secret: result.Secret}, nil
}

func validateRegistration(in RegisterParticipantInput, requirePeer bool) error {
	switch {
	case in.Username == "":
		return missing("username")
	case in.Password == "":
		return missing("password")
	case strings.TrimSpace(in.Name) == "":
		return missing("name")
	case requirePeer && in.Peer == "":
		return missing("peer")
	}
	return nil
}

// UpdateServiceUserInfo は利用者自身の情報を更新し、呼び出し元IDを返す。
func (s *Service) UpdateServiceUserInfo(ctx context.Context, caller *model.Caller, param map[string]any) (string, error) {
	ctx, done := s.begin(ctx, "updateServiceUserInfo", caller)
	id, err := s.updateInfo(ctx, caller, param, s.service.UpdateServiceUserInfo)
	return id, done(err)
}

// UpdateServiceProviderInfo は発行元自身の情報を更新し、呼び出し元IDを返す。
func (s *Service) UpdateServiceProviderInfo(ctx context.Context, caller *model.Caller, param map[string]any) (string, error) {
	ctx, done := s.begin(ctx, "updateServiceProviderInfo", caller)
	id, err := s.updateInfo(ctx, caller, param, s.platform.UpdateServiceProviderInfo)
	return id, done(err)
}

type updateFunc func(ctx context.Context, identity string, param any) (json.RawMessage, error)

func (s *Service) updateInfo(ctx context.Context, caller *model.Caller, param map[string]any, update updateFunc) (string, error) {
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	if param == nil {
		param = map[string]any{}
	}

	if pw, ok := param["password"].(string); ok && pw != "" {
		hash, err := s.hasher.Hash(pw)
		if err != nil {
			return "", err
		}
		param["password"] = hash
	}
	if name, ok := param["name"].(string); ok {
		param["name"] = s.clean(name)
	}

	if _, err := update(ctx, caller.ID, param); err != nil {
		return "", err
	}
	return caller.ID, nil
}

// ListUser は利用者の一覧を返す。filter は ALL / CONSUMER / STORE。
func (s *Service) ListUser(ctx context.Context, caller *model.Caller, filter string) ([]model.Participant, error) {
	ctx, done := s.begin(ctx, "listUser", caller)
	users, err := s.listUser(ctx, caller, filter)
	return users, done(err)
}

func (s *Service) listUser(ctx context.Context, caller *model.Caller, filter string) ([]model.Participant, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if filter == "" {
		return nil, missing("filter")
	}
	f, err := model.ParseUserFilter(strings.ToUpper(filter))
	if err != nil {
		return nil, model.NewValidationError("Allowed values for FILTER = ['ALL', 'CONSUMER', 'STORE'].")
	}

	expr := ""
	if f != model.UserFilterAll {
		expr = fmt.Sprintf(`"userType": "%s",`, f)
	}

	raw, err := s.platform.QueryParticipants(ctx, caller.ID, model.ClassServiceUser.String(), expr)
	if err != nil {
		return nil, err
	}

	users := []model.Participant{}
	if !isEmpty(raw) {
		if err := json.Unmarshal(raw, &users); err != nil {
			return nil, wrapDecode("participant list", err)
		}
	}
	for i := range users {
		users[i] = users[i].Public()
	}
	return users, nil
}

// isEmpty は台帳の応答が空または null かどうかを返す。
func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Package wallet は台帳に接続するためのX.509資格情報を保管する。
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
)

// ErrNotFound は指定IDの資格情報が存在しないことを示す。
var ErrNotFound = errors.New("credential not found")

// Credential は1つの識別子に紐づく証明書と秘密鍵。
type Credential struct {
	MSPID          string
	CertificatePEM string
	PrivateKeyPEM  string
}

// Store は資格情報ストアのインターフェース。
type Store interface {
	Exists(id string) (bool, error)
	Put(id string, cred Credential) error
	Get(id string) (Credential, error)
}

// FabricStore は fabric-sdk-go のウォレットを使った Store の実装。
// 書き込みは直列化し、読み取りは並行に行える。
type FabricStore struct {
	w     *gateway.Wallet
	mspID string

	mu sync.RWMutex
}

// NewFileSystemStore はディレクトリをバックエンドとするストアを生成する。
func NewFileSystemStore(path, mspID string) (*FabricStore, error) {
	w, err := gateway.NewFileSystemWallet(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet at %s: %w", path, err)
	}
	return newFabricStore(w, mspID), nil
}

// NewInMemoryStore はメモリ上のストアを生成する。テストや一時利用向け。
func NewInMemoryStore(mspID string) *FabricStore {
	return newFabricStore(gateway.NewInMemoryWallet(), mspID)
}

func newFabricStore(w *gateway.Wallet, mspID string) *FabricStore {
	return &FabricStore{w: w, mspID: mspID}
}

// Exists は資格情報の有無を返す。
func (s *FabricStore) Exists(id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Exists(id), nil
}

// Put は資格情報を保存する。MSPIDが空の場合はストアの既定値を使う。
func (s *FabricStore) Put(id string, cred Credential) error {
	if id == "" {
		return errors.New("credential id is empty")
	}
	mspID := cred.MSPID
	if mspID == "" {
		mspID = s.mspID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	identity := gateway.NewX509Identity(mspID, cred.CertificatePEM, cred.PrivateKeyPEM)
	if err := s.w.Put(id, identity); err != nil {
		return fmt.Errorf("failed to put credential %s: %w", id, err)
	}
	return nil
}

// Get は資格情報を取得する。
func (s *FabricStore) Get(id string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.w.Exists(id) {
		return Credential{}, ErrNotFound
	}
	identity, err := s.w.Get(id)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get credential %s: %w", id, err)
	}
	x509, ok := identity.(*gateway.X509Identity)
	if !ok {
		return Credential{}, fmt.Errorf("credential %s is not an X.509 identity", id)
	}
	return Credential{
		MSPID:          s.mspID,
		CertificatePEM: x509.Certificate(),
		PrivateKeyPEM:  x509.Key(),
	}, nil
}

// Wallet は台帳ゲートウェイに渡すための下位ウォレットを返す。
func (s *FabricStore) Wallet() *gateway.Wallet {
	return s.w
}

var _ Store = (*FabricStore)(nil)

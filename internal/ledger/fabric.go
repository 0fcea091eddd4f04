package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
)

// FabricConfig は Fabric ゲートウェイへの接続設定。
type FabricConfig struct {
	ConnectionProfile string
	Channel           string
	Chaincode         string
	Timeout           time.Duration
}

// FabricConnector は Hyperledger Fabric ゲートウェイを使った Connector の実装。
type FabricConnector struct {
	cfg    FabricConfig
	wallet *gateway.Wallet
}

// NewFabricConnector は FabricConnector を生成する。
func NewFabricConnector(cfg FabricConfig, w *gateway.Wallet) *FabricConnector {
	return &FabricConnector{cfg: cfg, wallet: w}
}

// Connect は identity のウォレット資格情報でゲートウェイに接続し、
// 設定されたチャネル上のチェーンコードを解決する。
func (f *FabricConnector) Connect(ctx context.Context, identity string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []gateway.Option{}
	if f.cfg.Timeout > 0 {
		opts = append(opts, gateway.WithTimeout(f.cfg.Timeout))
	}

	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromFile(filepath.Clean(f.cfg.ConnectionProfile))),
		gateway.WithIdentity(f.wallet, identity),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	network, err := gw.GetNetwork(f.cfg.Channel)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to get network %s: %w", f.cfg.Channel, err)
	}

	return &fabricSession{gw: gw, contract: network.GetContract(f.cfg.Chaincode)}, nil
}

type fabricSession struct {
	gw       *gateway.Gateway
	contract *gateway.Contract
}

func (s *fabricSession) Submit(function string, args ...string) ([]byte, error) {
	return s.contract.SubmitTransaction(function, args...)
}

func (s *fabricSession) Evaluate(function string, args ...string) ([]byte, error) {
	return s.contract.EvaluateTransaction(function, args...)
}

func (s *fabricSession) Close() {
	s.gw.Close()
}

var _ Connector = (*FabricConnector)(nil)

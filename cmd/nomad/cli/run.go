package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"nomad/pkg/chain"
	"nomad/pkg/config"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/gossip"
	"nomad/pkg/pipeline"
	"nomad/pkg/pool"
	"nomad/pkg/relayer"
	"nomad/pkg/rpcingress"
	nomadsignal "nomad/pkg/signal"
	"nomad/pkg/supervisor"
	"nomad/pkg/types"
)

func newRunCmd() *cobra.Command {
	var httpRPC string
	var rpcPort int
	var p2pPort int
	var peers []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a Nomad node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Flags().Visit(func(*pflag.Flag) {}) // no-op; config.Load binds the flag set itself

			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return configError(err)
			}
			if httpRPC != "" {
				cfg.EthRPC = httpRPC
			}
			if !cmd.Flags().Changed("rpc-port") && cfg.RPCListenPort != 0 {
				rpcPort = cfg.RPCListenPort
			}
			if !cmd.Flags().Changed("p2p-port") && cfg.P2PListenPort != 0 {
				p2pPort = cfg.P2PListenPort
			}
			if !cmd.Flags().Changed("peer") {
				peers = cfg.P2PPeers
			}

			return runNode(cmd.Context(), cfg, rpcPort, p2pPort, peers)
		},
	}

	cmd.Flags().StringVar(&httpRPC, "http-rpc", "", "EVM JSON-RPC endpoint URL")
	cmd.Flags().IntVar(&rpcPort, "rpc-port", 8080, "JSON-RPC ingress port")
	cmd.Flags().IntVar(&p2pPort, "p2p-port", 7000, "gossip listen port")
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "gossip peer address (repeatable)")

	return cmd
}

func runNode(parentCtx context.Context, cfg config.Config, rpcPort, p2pPort int, peers []string) error {
	log := loggerForVerbosity()

	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nonceCacheDir, err := os.MkdirTemp("", "nomad-nonce-cache-*")
	if err != nil {
		return startupError(err)
	}

	chainAdapter, err := chain.Dial(ctx, cfg.EthRPC, nonceCacheDir)
	if err != nil {
		return startupError(err)
	}
	defer chainAdapter.Close()

	keys, err := parseSenderKeys(ctx, chainAdapter, senderKeys)
	if err != nil {
		if nomaderrors.Is(err, nomaderrors.RpcTransport) {
			return startupError(err) // chain unreachable
		}
		return configError(err)
	}

	p := pool.New(cfg.PoolVisibilityTimeout, cfg.PoolRetention)

	_, gossipPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return startupError(err)
	}
	gossipNode, err := gossip.New(gossipPriv, log)
	if err != nil {
		return startupError(err)
	}
	if err := gossipNode.Listen(fmt.Sprintf(":%d", p2pPort)); err != nil {
		return startupError(err)
	}
	defer gossipNode.Close()

	for _, addr := range peers {
		if err := gossipNode.Dial(addr); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("failed to dial seed peer")
		}
	}
	gossipNode.OnSignal = func(env types.GossipEnvelope) {
		id, err := nomadsignal.ID(env.Signal)
		if err != nil {
			log.Warn().Err(err).Msg("gossip: undecodable signal, dropping")
			return
		}
		p.Insert(id, env.Signal)
	}

	template := chain.EscrowTemplate{
		Prefix: mustDecodeHex(cfg.EscrowTemplatePrefix),
		Suffix: mustDecodeHex(cfg.EscrowTemplateSuffix),
	}

	proc := &pipeline.Processor{
		Chain:    chainAdapter,
		Relayer:  relayer.New(cfg.RelayerURL),
		Template: template,
		Log:      log,
	}

	minEth, err := parseMinEth(cfg.MinEth)
	if err != nil {
		return configError(err)
	}

	sup := supervisor.New(supervisor.Config{
		VisibilityTimeout: cfg.PoolVisibilityTimeout,
		Retention:         cfg.PoolRetention,
		MinEth:            minEth,
	}, p, gossipNode, chainAdapter, proc, keys, log)

	ingress := rpcingress.New(p, gossipNode, log)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", rpcPort), Handler: ingress.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("rpc ingress server stopped")
		}
	}()
	defer httpServer.Close()

	log.Info().Bool("write_mode", sup.WriteMode()).Int("p2p_port", p2pPort).Int("rpc_port", rpcPort).Msg("nomad node starting")
	sup.Run(ctx)

	if ctx.Err() != nil {
		return interrupted()
	}
	return nil
}

func parseSenderKeys(ctx context.Context, adapter *chain.Adapter, hexKeys []string) ([]*bind.TransactOpts, error) {
	if len(hexKeys) == 0 {
		return nil, nil // read-mode node
	}
	chainID, err := adapter.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	opts := make([]*bind.TransactOpts, 0, len(hexKeys))
	for _, hk := range hexKeys {
		priv, err := crypto.HexToECDSA(trimHexPrefix(hk))
		if err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.InvalidSignal, err, "parse sender private key")
		}
		auth, err := bind.NewKeyedTransactorWithChainID(priv, chainID)
		if err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "build transactor")
		}
		opts = append(opts, auth)
	}
	return opts, nil
}

// parseMinEth parses the eth.min_eth decimal wei string into a uint256, or
// returns nil if unset, meaning the balance watchdog stays disabled (§7,
// §12 supplement).
func parseMinEth(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	min := new(uint256.Int)
	if err := min.SetFromDecimal(s); err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "parse eth.min_eth")
	}
	return min, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return nil
	}
	return b
}

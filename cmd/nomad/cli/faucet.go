package cli

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"nomad/pkg/chain"
	"nomad/pkg/config"
	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
)

// newFaucetCmd implements the faucet CONTRACT subcommand (§6): invoke the
// token contract's mint() once per configured --pk key, so a local test
// network can fund sender keys without an external faucet.
func newFaucetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "faucet CONTRACT",
		Short: "Mint test tokens to every configured sender key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return configError(err)
			}
			return runFaucet(cmd.Context(), cfg, common.HexToAddress(args[0]))
		},
	}
	return cmd
}

func runFaucet(ctx context.Context, cfg config.Config, token common.Address) error {
	log := loggerForVerbosity()

	if len(senderKeys) == 0 {
		return configError(fmt.Errorf("faucet requires at least one --pk key"))
	}

	nonceCacheDir, err := os.MkdirTemp("", "nomad-faucet-nonce-*")
	if err != nil {
		return startupError(err)
	}

	adapter, err := chain.Dial(ctx, cfg.EthRPC, nonceCacheDir)
	if err != nil {
		return startupError(err)
	}
	defer adapter.Close()

	keys, err := parseSenderKeys(ctx, adapter, senderKeys)
	if err != nil {
		if nomaderrors.Is(err, nomaderrors.RpcTransport) {
			return startupError(err) // chain unreachable
		}
		return configError(err)
	}

	data, err := chain.PackMint()
	if err != nil {
		return startupError(err)
	}

	for _, key := range keys {
		tx, err := adapter.SendRaw(ctx, key, token, big.NewInt(0), data, 100_000)
		if err != nil {
			log.Error().Err(err).Str("key", key.From.Hex()).Msg("faucet mint failed")
			continue
		}
		if _, err := adapter.AwaitReceipt(ctx, tx, constants.FaucetMintTimeout); err != nil {
			log.Error().Err(err).Str("key", key.From.Hex()).Str("tx", tx.Hex()).Msg("faucet mint receipt failed")
			continue
		}
		balance, err := adapter.GetTokenBalance(ctx, token, key.From)
		if err != nil {
			log.Warn().Err(err).Str("key", key.From.Hex()).Str("tx", tx.Hex()).Msg("minted tokens; balance check failed")
			continue
		}
		log.Info().Str("key", key.From.Hex()).Str("tx", tx.Hex()).Str("balance", balance.ToBig().String()).Msg("minted tokens")
	}
	return nil
}

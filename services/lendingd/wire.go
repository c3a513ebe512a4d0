package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	riskconfig "cdpledger/config"
	"cdpledger/core/events"
	"cdpledger/native/fixed"
	"cdpledger/native/oracle"
	"cdpledger/observability"
	"cdpledger/services/lending/engine"
	"cdpledger/services/lendingd/config"
	"cdpledger/state"
)

// buildEngine registers feeds, markets, swappers and strategies, then
// restores any persisted snapshot. The engine is returned unstarted.
func buildEngine(cfg config.Config, risk *riskconfig.Store, store *state.Store, logger *slog.Logger) (*engine.Engine, error) {
	opts := engine.Options{
		Vault:        common.HexToAddress(cfg.Ledger.Vault),
		Risk:         risk,
		Store:        store,
		Logger:       logger,
		EventHistory: cfg.EventHistory,
		Emitters:     []events.Emitter{observability.Events()},
	}
	if cfg.Ledger.WrappedNative != "" {
		opts.WrappedNative = common.HexToAddress(cfg.Ledger.WrappedNative)
	}
	eng, err := engine.New(opts)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, f := range cfg.Feeds {
		sources := make([]oracle.Source, 0, len(f.Sources))
		data := make([][]byte, 0, len(f.Sources))
		for _, sc := range f.Sources {
			var src oracle.Source
			switch sc.Kind {
			case config.SourceManual:
				src = eng.Manual()
			case config.SourceCoinGecko:
				src = oracle.NewHTTPSource(client, sc.Endpoint, sc.MaxAge)
			default:
				return nil, fmt.Errorf("feed %s: unknown source kind %q", f.Name, sc.Kind)
			}
			if sc.Invert {
				src = oracle.InvertedSource{Inner: src}
			}
			sources = append(sources, src)
			data = append(data, []byte(sc.Data))
		}
		dev, err := fixed.ParseWad(f.MaxDeviation)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.Name, err)
		}
		if err := eng.AddFeed(f.Name, common.HexToAddress(f.Token), sources, data, dev); err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.Name, err)
		}
	}

	for _, b := range risk.Markets() {
		if err := eng.AddMarket(b); err != nil {
			return nil, fmt.Errorf("market %s: %w", b.Address.Hex(), err)
		}
	}

	for _, sc := range cfg.Swappers {
		s, err := eng.AddSwapper(sc.Name, common.HexToAddress(sc.Address))
		if err != nil {
			return nil, err
		}
		for _, r := range sc.Rates {
			price, err := fixed.ParseWad(r.Price)
			if err != nil {
				return nil, fmt.Errorf("swapper %s: %w", sc.Name, err)
			}
			s.SetRate(common.HexToAddress(r.From), common.HexToAddress(r.To), price)
		}
	}

	for _, sc := range cfg.Strategies {
		params := engine.StrategyParams{
			Address:     common.HexToAddress(sc.Address),
			Farm:        common.HexToAddress(sc.Farm),
			Token:       common.HexToAddress(sc.Token),
			RewardToken: common.HexToAddress(sc.RewardToken),
			TargetBps:   sc.TargetBps,
		}
		if raw := strings.TrimSpace(sc.RewardPerSecond); raw != "" {
			rate, err := uint256.FromDecimal(raw)
			if err != nil {
				return nil, fmt.Errorf("strategy %s: reward_per_second: %w", sc.Address, err)
			}
			params.RewardPerSecond = rate
		}
		if err := eng.AddStrategy(params); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.Address, err)
		}
	}

	if store != nil {
		if err := eng.Restore(); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	return eng, nil
}

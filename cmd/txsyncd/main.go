// txsyncd watches a set of transaction ids for confirmation through an
// Esplora server, logging confirmations and reorg-driven unconfirmations as
// they happen. It exists mainly as a smoke-test harness and usage example
// for the txsync library.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	btclog "github.com/btcsuite/btclog/v2"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/txsync"
	"github.com/lightninglabs/txsync/esplora"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

type config struct {
	EsploraURL string `long:"esplora" description:"Base URL of the Esplora API" default:"https://blockstream.info/api"`

	PollInterval time.Duration `long:"pollinterval" description:"Time between sync passes" default:"30s"`

	Txids []string `long:"txid" description:"Transaction id to watch, may be given multiple times"`

	Debug bool `long:"debug" description:"Enable debug logging"`
}

// logSink logs every event the syncer delivers and remembers confirmations
// so the syncer can detect their blocks being reorged out.
type logSink struct {
	log btclog.Logger

	mu        sync.Mutex
	confirmed map[chainhash.Hash]txsync.RelevantTx
}

func newLogSink(log btclog.Logger) *logSink {
	return &logSink{
		log:       log,
		confirmed: make(map[chainhash.Hash]txsync.RelevantTx),
	}
}

func (s *logSink) BestBlockUpdated(header *wire.BlockHeader, height uint32) {
	s.log.Infof("Best block now %v at height %d", header.BlockHash(),
		height)
}

func (s *logSink) TransactionsConfirmed(header *wire.BlockHeader,
	txs []*txsync.ConfirmedTx, height uint32) {

	s.mu.Lock()
	defer s.mu.Unlock()

	blockHash := header.BlockHash()
	for _, tx := range txs {
		s.log.Infof("Transaction %v confirmed in block %v at height "+
			"%d, position %d", tx.Txid, blockHash, height, tx.Pos)

		s.confirmed[tx.Txid] = txsync.RelevantTx{
			Txid:       tx.Txid,
			ConfHeight: tx.BlockHeight,
			Block:      fn.Some(blockHash),
		}
	}
}

func (s *logSink) TransactionUnconfirmed(txid *chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Infof("Transaction %v was reorged out and is no longer "+
		"confirmed", txid)

	delete(s.confirmed, *txid)
}

func (s *logSink) RelevantTxids() []txsync.RelevantTx {
	s.mu.Lock()
	defer s.mu.Unlock()

	relevantTxs := make([]txsync.RelevantTx, 0, len(s.confirmed))
	for _, relevantTx := range s.confirmed {
		relevantTxs = append(relevantTxs, relevantTx)
	}

	return relevantTxs
}

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config{}
	if _, err := flags.Parse(&cfg); err != nil {
		return err
	}

	logger := btclog.NewSLogger(btclog.NewDefaultHandler(os.Stdout))
	if cfg.Debug {
		logger.SetLevel(btclog.LevelDebug)
	}
	txsync.UseLogger(logger.SubSystem("TSYN"))
	esplora.UseLogger(logger.SubSystem("ESPL"))
	mainLog := logger.SubSystem("MAIN")

	client := esplora.NewClient(&esplora.ClientConfig{
		URL:        cfg.EsploraURL,
		MaxRetries: 2,
	})
	defer client.Stop()

	syncer, err := txsync.New(&txsync.Config{
		ChainSource: esplora.NewSource(client),
	})
	if err != nil {
		return err
	}

	for _, txidStr := range cfg.Txids {
		txid, err := chainhash.NewHashFromStr(txidStr)
		if err != nil {
			return fmt.Errorf("invalid txid %q: %w", txidStr, err)
		}
		syncer.RegisterTx(txid)
		mainLog.Infof("Watching transaction %v", txid)
	}

	sink := newLogSink(logger.SubSystem("SINK"))
	poller, err := txsync.NewPoller(&txsync.PollerConfig{
		Syncer:     syncer,
		Sinks:      []txsync.EventSink{sink},
		SyncTicker: ticker.New(cfg.PollInterval),
	})
	if err != nil {
		return err
	}

	if err := poller.Start(); err != nil {
		return err
	}
	defer func() {
		_ = poller.Stop()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	mainLog.Info("Shutting down")

	return nil
}

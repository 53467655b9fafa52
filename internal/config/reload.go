package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

var log = logging.Logger("config")

// isSafeChange reports whether after leaves unchanged every field that
// needs a restart: the NEAR node URL, account, key and escrow contract, the
// Ethereum RPC URL, chain id, key and contract addresses, and storageDir.
// A reload attempt that changes one is rejected wholesale so the relayer
// keeps running the last-known-good config. Fields not compared here are
// accepted as safe.
func isSafeChange(before, after *Config) (bool, string) {
	if before.Near.NodeURL != after.Near.NodeURL {
		return false, "near.nodeUrl"
	}
	if before.Near.AccountID != after.Near.AccountID {
		return false, "near.accountId"
	}
	if before.Near.PrivateKey != after.Near.PrivateKey {
		return false, "near.privateKey"
	}
	if before.Near.EscrowContractID != after.Near.EscrowContractID {
		return false, "near.escrowContractId"
	}
	if before.Ethereum.Network.RPCURL != after.Ethereum.Network.RPCURL {
		return false, "ethereum.network.rpcUrl"
	}
	if before.Ethereum.Network.ChainID != after.Ethereum.Network.ChainID {
		return false, "ethereum.network.chainId"
	}
	if before.Ethereum.PrivateKey != after.Ethereum.PrivateKey {
		return false, "ethereum.privateKey"
	}
	if before.Ethereum.EscrowContractAddress != after.Ethereum.EscrowContractAddress {
		return false, "ethereum.escrowContractAddress"
	}
	if before.Ethereum.BridgeContractAddress != after.Ethereum.BridgeContractAddress {
		return false, "ethereum.bridgeContractAddress"
	}
	if before.Ethereum.EscrowFactoryAddress != after.Ethereum.EscrowFactoryAddress {
		return false, "ethereum.escrowFactoryAddress"
	}
	if before.Relayer.StorageDir != after.Relayer.StorageDir {
		return false, "relayer.storageDir"
	}
	return true, ""
}

// Watcher reloads Config from path whenever the file changes on disk,
// rejecting any reload that alters an unsafe field.
type Watcher struct {
	path string

	mu      sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	onSafe  func(*Config)
	done    chan struct{}
}

// NewWatcher constructs a Watcher bound to the already-loaded initial
// config. onSafeReload, if non-nil, is invoked with the new config after
// a safe reload is accepted.
func NewWatcher(path string, initial *Config, onSafeReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: path, Reason: "cannot start fsnotify: " + err.Error()}
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, &relayererr.ConfigurationError{ConfigKey: path, Reason: "cannot watch file: " + err.Error()}
	}
	return &Watcher{
		path:    path,
		current: initial,
		watcher: fw,
		onSafe:  onSafeReload,
		done:    make(chan struct{}),
	}, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run blocks, processing fsnotify events until Stop is called. The
// relayer's main starts it in its own goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %s", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		log.Errorf("config reload rejected, keeping previous config: %s", err)
		return
	}

	w.mu.Lock()
	before := w.current
	safe, field := isSafeChange(before, next)
	if !safe {
		w.mu.Unlock()
		rejectErr := &relayererr.ConfigurationError{ConfigKey: field, Reason: relayererr.UnsafeHotReload}
		log.Errorf("config reload rejected, restart the process to apply it: %s", rejectErr)
		return
	}
	w.current = next
	w.mu.Unlock()

	log.Infof("config reloaded from %s", w.path)
	if w.onSafe != nil {
		w.onSafe(next)
	}
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/term"
)

// PassphraseFunc asks the user to unlock an account. Returning an empty
// string means the user declined.
type PassphraseFunc func(prompt string) (string, error)

// StaticPassphrase always answers with the configured passphrase.
func StaticPassphrase(passphrase string) PassphraseFunc {
	return func(string) (string, error) { return passphrase, nil }
}

// TerminalPrompt reads a passphrase from an interactive terminal without echo.
func TerminalPrompt(in *os.File, out io.Writer) PassphraseFunc {
	return func(prompt string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: no terminal to prompt for a passphrase", ErrUnavailable)
		}
		fmt.Fprint(out, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
}

// KeystoreProvider unlocks an account from an encrypted go-ethereum keystore.
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	want       common.Address
	passphrase PassphraseFunc

	events chan Event
	mu     sync.Mutex
	active accounts.Account
	sub    event.Subscription
}

// NewKeystoreProvider opens dir. account may be empty to pick the first key.
func NewKeystoreProvider(dir, account string, passphrase PassphraseFunc) (*KeystoreProvider, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrUnavailable
	}
	p := &KeystoreProvider{
		ks:         keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrase: passphrase,
		events:     make(chan Event, 4),
	}
	if account != "" {
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("invalid wallet account %q", account)
		}
		p.want = common.HexToAddress(account)
	}
	if p.passphrase == nil {
		p.passphrase = TerminalPrompt(os.Stdin, os.Stderr)
	}
	return p, nil
}

func (p *KeystoreProvider) RequestAccount(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := p.selectAccount()
	if err != nil {
		return nil, err
	}

	pass, err := p.passphrase(fmt.Sprintf("Passphrase for %s: ", acct.Address.Hex()))
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if pass == "" {
		return nil, ErrRejected
	}
	if err := p.ks.Unlock(acct, pass); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, fmt.Errorf("unlock %s: %w", acct.Address.Hex(), err)
	}

	p.mu.Lock()
	previous := p.active
	p.active = acct
	if p.sub == nil {
		p.startWatch()
	}
	p.mu.Unlock()
	if previous.Address != (common.Address{}) && previous.Address != acct.Address {
		_ = p.ks.Lock(previous.Address)
	}

	return keystoreAccount{ks: p.ks, account: acct}, nil
}

func (p *KeystoreProvider) Events() <-chan Event { return p.events }

// Close stops watching the keystore directory.
func (p *KeystoreProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		p.sub.Unsubscribe()
		p.sub = nil
	}
}

func (p *KeystoreProvider) selectAccount() (accounts.Account, error) {
	all := p.ks.Accounts()
	if len(all) == 0 {
		return accounts.Account{}, fmt.Errorf("%w: keystore has no accounts", ErrUnavailable)
	}
	if p.want == (common.Address{}) {
		return all[0], nil
	}
	for _, acct := range all {
		if acct.Address == p.want {
			return acct, nil
		}
	}
	return accounts.Account{}, fmt.Errorf("%w: account %s not in keystore", ErrUnavailable, p.want.Hex())
}

// startWatch must be called with p.mu held.
func (p *KeystoreProvider) startWatch() {
	sink := make(chan accounts.WalletEvent, 8)
	sub := p.ks.Subscribe(sink)
	p.sub = sub
	go func() {
		for {
			select {
			case ev := <-sink:
				if ev.Kind != accounts.WalletDropped {
					continue
				}
				p.mu.Lock()
				active := p.active
				p.mu.Unlock()
				if active.Address == (common.Address{}) || !ev.Wallet.Contains(active) {
					continue
				}
				select {
				case p.events <- Event{Kind: AccountDropped, Account: active.Address}:
				default:
				}
			case <-sub.Err():
				return
			}
		}
	}()
}

type keystoreAccount struct {
	ks      *keystore.KeyStore
	account accounts.Account
}

func (a keystoreAccount) Address() common.Address { return a.account.Address }

func (a keystoreAccount) Transactor(chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyStoreTransactorWithChainID(a.ks, a.account, chainID)
	if err != nil {
		return nil, fmt.Errorf("keystore transactor: %w", err)
	}
	return opts, nil
}

package controller_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/controller"
	"PerpEngine/internal/errs"
)

// ============================================================================
// Account keys
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  controller.AccountKey
		want string
	}{
		{controller.OwnerAccount("alice", "USDG"), "owner:alice:USDG"},
		{controller.VaultAccount("GM-FBTC-USDG", "fBTC"), "vault:GM-FBTC-USDG:fBTC"},
		{controller.FeeAccount("USDG"), "fees:engine:USDG"},
	}
	for _, c := range cases {
		if got := c.key.Path(); got != c.want {
			t.Errorf("path = %q, want %q", got, c.want)
		}
	}
}

// ============================================================================
// Ledger movements
// ============================================================================

func TestLedger_MintTransferBurn(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	alice := controller.OwnerAccount("alice", "USDG")
	vault := controller.VaultAccount("GM-FBTC-USDG", "USDG")

	if err := l.Mint(alice, mul(1000, e(6))); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(alice, vault, mul(400, e(6))); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.Balance(alice); !got.Eq(mul(600, e(6))) {
		t.Errorf("alice = %s, want 600", got)
	}
	if got := l.Balance(vault); !got.Eq(mul(400, e(6))) {
		t.Errorf("vault = %s, want 400", got)
	}
	if got := l.Supply("USDG"); !got.Eq(mul(1000, e(6))) {
		t.Errorf("supply = %s, want 1000", got)
	}

	if err := l.Burn(alice, mul(600, e(6))); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.Supply("USDG"); !got.Eq(mul(400, e(6))) {
		t.Errorf("supply after burn = %s, want 400", got)
	}
	if err := l.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
	if got := len(l.Journal()); got != 3 {
		t.Errorf("journal entries = %d, want 3", got)
	}
}

func TestLedger_OverdraftRejected(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	alice := controller.OwnerAccount("alice", "USDG")
	bob := controller.OwnerAccount("bob", "USDG")
	if err := l.Mint(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := l.Transfer(alice, bob, uint256.NewInt(101))
	if !errs.Is(err, errs.KindInsufficientFundsToPayForCosts) {
		t.Errorf("want InsufficientFundsToPayForCosts, got %v", err)
	}
	// The failed debit must not leave a partial movement behind.
	if got := l.Balance(alice); !got.Eq(uint256.NewInt(100)) {
		t.Errorf("alice = %s, want 100", got)
	}
	if got := l.Balance(bob); !got.IsZero() {
		t.Errorf("bob = %s, want 0", got)
	}
}

func TestLedger_CrossTokenTransferRejected(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	alice := controller.OwnerAccount("alice", "USDG")
	if err := l.Mint(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := l.Transfer(alice, controller.OwnerAccount("alice", "fBTC"), uint256.NewInt(10))
	if !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("want InvalidArgument, got %v", err)
	}
}

func TestLedger_BurnBeyondSupplyRejected(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	alice := controller.OwnerAccount("alice", "GM-USDC")
	if err := l.Mint(alice, uint256.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Burn(alice, uint256.NewInt(6)); !errs.Is(err, errs.KindInvalidTokenBalance) {
		t.Errorf("want InvalidTokenBalance, got %v", err)
	}
}

func TestLedger_ZeroAmountRejected(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	alice := controller.OwnerAccount("alice", "USDG")
	if err := l.Mint(alice, new(uint256.Int)); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("zero mint: want InvalidArgument, got %v", err)
	}
	if err := l.Mint(alice, nil); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("nil mint: want InvalidArgument, got %v", err)
	}
}

func TestLedger_AccountsSortedNonZero(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	if err := l.Mint(controller.OwnerAccount("bob", "USDG"), uint256.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(controller.OwnerAccount("alice", "USDG"), uint256.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	// Drain bob back to zero; he should drop out of the listing.
	if err := l.Burn(controller.OwnerAccount("bob", "USDG"), uint256.NewInt(10)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	accounts := l.Accounts()
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts))
	}
	if accounts[0].Path() != "owner:alice:USDG" {
		t.Errorf("account = %s", accounts[0].Path())
	}
}

func TestLedger_ConservationDetectsDrift(t *testing.T) {
	l := controller.NewMemoryTokenLedger()
	if err := l.Mint(controller.OwnerAccount("alice", "USDG"), uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.ValidateConservation(); err != nil {
		t.Fatalf("clean ledger flagged: %v", err)
	}
}

package chain_test

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"BeliefLedger/internal/chain"
)

func buildAccountBytes(t *testing.T, vault [32]byte, sLong, sShort, rLong, rShort, vaultBal uint64, sqrtLong, sqrtShort *big.Int, epoch, weightBps uint32) []byte {
	t.Helper()
	buf := make([]byte, 136)
	copy(buf[8:40], vault[:])
	binary.LittleEndian.PutUint64(buf[40:48], sLong)
	binary.LittleEndian.PutUint64(buf[48:56], sShort)
	binary.LittleEndian.PutUint64(buf[56:64], rLong)
	binary.LittleEndian.PutUint64(buf[64:72], rShort)
	binary.LittleEndian.PutUint64(buf[72:80], vaultBal)
	putU128LE(buf[80:96], sqrtLong)
	putU128LE(buf[96:112], sqrtShort)
	binary.LittleEndian.PutUint32(buf[112:116], epoch)
	binary.LittleEndian.PutUint32(buf[120:124], weightBps)
	return buf
}

func putU128LE(dst []byte, v *big.Int) {
	be := v.Bytes()
	for i, b := range be {
		dst[len(be)-1-i] = b
	}
}

func TestDecodePoolAccount(t *testing.T) {
	var addr, vault chain.Address
	addr[0] = 0xaa
	vault[0] = 0xbb

	sqrtLong := new(big.Int).Lsh(big.NewInt(3), 96)
	sqrtShort := new(big.Int).Lsh(big.NewInt(1), 95)

	data := buildAccountBytes(t, vault, 1_000, 2_000, 30_000, 40_000, 70_000, sqrtLong, sqrtShort, 5, 200)

	acct, err := chain.DecodePoolAccount(addr, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if acct.Address != addr {
		t.Errorf("address: got %s", acct.Address)
	}
	if acct.Vault != vault {
		t.Errorf("vault: got %s", acct.Vault)
	}
	if acct.SLong != 1_000 || acct.SShort != 2_000 {
		t.Errorf("supplies: got %d/%d", acct.SLong, acct.SShort)
	}
	if acct.RLong != 30_000 || acct.RShort != 40_000 {
		t.Errorf("reserves: got %d/%d", acct.RLong, acct.RShort)
	}
	if acct.VaultBalance != 70_000 {
		t.Errorf("vault balance: got %d", acct.VaultBalance)
	}
	if acct.SqrtPriceLongX96.Cmp(sqrtLong) != 0 {
		t.Errorf("sqrt long: got %s, want %s", acct.SqrtPriceLongX96, sqrtLong)
	}
	if acct.SqrtPriceShortX96.Cmp(sqrtShort) != 0 {
		t.Errorf("sqrt short: got %s, want %s", acct.SqrtPriceShortX96, sqrtShort)
	}
	if acct.CurrentEpoch != 5 {
		t.Errorf("epoch: got %d", acct.CurrentEpoch)
	}
	if acct.BeliefWeightBps != 200 {
		t.Errorf("belief weight: got %d", acct.BeliefWeightBps)
	}
	if !acct.VaultInitialized() {
		t.Error("vault should be initialized")
	}
}

func TestDecodePoolAccountSizeMismatch(t *testing.T) {
	var addr chain.Address

	for _, size := range []int{0, 135, 137, 272} {
		_, err := chain.DecodePoolAccount(addr, make([]byte, size))
		if err == nil {
			t.Fatalf("size %d: expected error", size)
		}
		var se *chain.AccountSizeError
		if !errors.As(err, &se) {
			t.Errorf("size %d: got %v, want AccountSizeError", size, err)
		}
	}
}

func TestVaultUninitialized(t *testing.T) {
	var addr, zeroVault chain.Address
	data := buildAccountBytes(t, zeroVault, 0, 0, 0, 0, 0, big.NewInt(0), big.NewInt(0), 0, 0)

	acct, err := chain.DecodePoolAccount(addr, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if acct.VaultInitialized() {
		t.Error("zero vault must report uninitialized")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	var a chain.Address
	for i := range a {
		a[i] = byte(255 - i)
	}

	parsed, err := chain.ParseAddress(a.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != a {
		t.Errorf("round trip mismatch: %s != %s", parsed, a)
	}
}

func TestParseAddressRejectsBadInput(t *testing.T) {
	if _, err := chain.ParseAddress("zz"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := chain.ParseAddress("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}

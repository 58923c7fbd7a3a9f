package ptbl

import (
	"errors"
	"testing"

	"tsarkern/kerrors"
	"tsarkern/mapping"
)

func TestMapBig_ReuseIdenticalIsOK(t *testing.T) {
	b := NewBuilder()
	const vpn = 0x10
	mode := mapping.ModeC | mapping.ModeX | mapping.ModeU

	if err := b.MapBig(0, 0, vpn<<9, 7, mode); err != nil {
		t.Fatal(err)
	}
	if err := b.MapBig(0, 0, vpn<<9, 7, mode); err != nil {
		t.Fatalf("identical reinstall should succeed, got %v", err)
	}
}

func TestMapBig_ConflictingModeRejected(t *testing.T) {
	b := NewBuilder()
	const vpn = 0x20
	if err := b.MapBig(0, 0, vpn<<9, 1, mapping.ModeC|mapping.ModeX|mapping.ModeW|mapping.ModeU); err != nil {
		t.Fatal(err)
	}
	err := b.MapBig(0, 0, vpn<<9, 1, mapping.ModeC|mapping.ModeW|mapping.ModeU)
	if err == nil {
		t.Fatal("expected EEXIST on mode conflict")
	}
	if !errors.Is(err, kerrors.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestMapSmall_SharesOneL2PerBigPage(t *testing.T) {
	b := NewBuilder()
	mode := mapping.ModeC | mapping.ModeW | mapping.ModeU

	vpnA := uint32(5<<9) | 10
	vpnB := uint32(5<<9) | 11

	if err := b.MapSmall(0, 0, vpnA, 100, 55, mode); err != nil {
		t.Fatal(err)
	}
	if err := b.MapSmall(0, 0, vpnB, 101, 55, mode); err != nil {
		t.Fatal(err)
	}

	tbl := b.Table(0, 0)
	if tbl.L2(5) == nil {
		t.Fatal("expected a level-2 table at l1[5]")
	}
	if tbl.L2(5).Entries[10].PPN != 100 || tbl.L2(5).Entries[11].PPN != 101 {
		t.Fatal("small-page entries not recorded at expected indices")
	}
}

package abi

import (
	"errors"
	"testing"

	"tsarkern/kerrors"
	"tsarkern/mapping"
)

func TestDispatch_UnassignedNumberReturnsENXIO(t *testing.T) {
	var tbl Table
	if _, err := tbl.Dispatch(6, 0, 0, 0, 0); !errors.Is(err, kerrors.ENXIO) {
		t.Fatalf("expected ENXIO for unassigned number, got %v", err)
	}
}

func TestDispatch_UnregisteredAssignedNumberReturnsENXIO(t *testing.T) {
	var tbl Table
	if _, err := tbl.Dispatch(ProcCoords, 0, 0, 0, 0); !errors.Is(err, kerrors.ENXIO) {
		t.Fatalf("expected ENXIO for unregistered number, got %v", err)
	}
}

func TestDispatch_OutOfRangeReturnsENXIO(t *testing.T) {
	var tbl Table
	if _, err := tbl.Dispatch(Num(maxNum), 0, 0, 0, 0); !errors.Is(err, kerrors.ENXIO) {
		t.Fatalf("expected ENXIO for out-of-range number, got %v", err)
	}
	if _, err := tbl.Dispatch(Num(-1), 0, 0, 0, 0); !errors.Is(err, kerrors.ENXIO) {
		t.Fatalf("expected ENXIO for negative number, got %v", err)
	}
}

func TestRegister_PanicsOnUnassignedNumber(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when registering an unassigned syscall number")
		}
	}()
	var tbl Table
	tbl.Register(6, func(a0, a1, a2, a3 uint64) (uint64, error) { return 0, nil })
}

func TestDispatch_RoutesToRegisteredHandler(t *testing.T) {
	var tbl Table
	tbl.Register(ProcCoords, func(a0, a1, a2, a3 uint64) (uint64, error) { return 42, nil })
	got, err := tbl.Dispatch(ProcCoords, 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestName_KnownAndUnknownNumbers(t *testing.T) {
	if ProcCoords.Name() != "proc-coords" {
		t.Fatalf("got %q", ProcCoords.Name())
	}
	if Num(6).Name() != "" {
		t.Fatalf("expected empty name for unassigned number, got %q", Num(6).Name())
	}
}

func buildImage() *mapping.Image {
	img := &mapping.Image{
		Vspaces: []mapping.Vspace{{VsegOffset: 0, VsegCount: 1}},
		Vsegs:   []mapping.Vseg{{VBase: 0x1000, Length: 0x1000}},
	}
	return img
}

func TestRegisterIntrospection_VsegGetVBaseAndLength(t *testing.T) {
	var tbl Table
	img := buildImage()
	vspaceOf := func(threadGlobalID uint64) mapping.VspaceID { return 0 }
	translate := func(vaddr uint64) (uint32, error) { return 0, nil }
	RegisterIntrospection(&tbl, img, vspaceOf, translate)

	vbase, err := tbl.Dispatch(VsegGetVBase, 0x1500, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if vbase != 0x1000 {
		t.Fatalf("got %#x, want %#x", vbase, 0x1000)
	}

	length, err := tbl.Dispatch(VsegGetLength, 0x1500, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if length != 0x1000 {
		t.Fatalf("got %#x, want %#x", length, 0x1000)
	}

	if _, err := tbl.Dispatch(VsegGetVBase, 0xFFFF, 0, 0, 0); !errors.Is(err, kerrors.EFAULT) {
		t.Fatalf("expected EFAULT for an address outside any vseg, got %v", err)
	}
}

func TestRegisterIntrospection_XYFromPtrPropagatesTranslateError(t *testing.T) {
	var tbl Table
	img := buildImage()
	vspaceOf := func(threadGlobalID uint64) mapping.VspaceID { return 0 }
	translate := func(vaddr uint64) (uint32, error) { return 0, kerrors.EFAULT }
	RegisterIntrospection(&tbl, img, vspaceOf, translate)

	if _, err := tbl.Dispatch(XYFromPtr, 0x2000, 0, 0, 0); !errors.Is(err, kerrors.EFAULT) {
		t.Fatalf("expected translate error to propagate, got %v", err)
	}
}

func TestRegisterIntrospection_XYFromPtrUnpacksCoordinates(t *testing.T) {
	var tbl Table
	img := buildImage()
	vspaceOf := func(threadGlobalID uint64) mapping.VspaceID { return 0 }
	wantX, wantY := uint(5), uint(9)
	ppn := uint32(wantX<<24 | wantY<<20)
	translate := func(vaddr uint64) (uint32, error) { return ppn, nil }
	RegisterIntrospection(&tbl, img, vspaceOf, translate)

	got, err := tbl.Dispatch(XYFromPtr, 0x3000, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	x := uint(got >> 32)
	y := uint(got & 0xFFFFFFFF)
	if x != wantX || y != wantY {
		t.Fatalf("got (%d,%d), want (%d,%d)", x, y, wantX, wantY)
	}
}

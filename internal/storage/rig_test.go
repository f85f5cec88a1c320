package storage

import (
	"context"
	"os"
	"testing"

	"github.com/KevinKickass/OpenLabRig/internal/types"
)

// Runs against a scratch database named by OLR_TEST_DATABASE_URL.
func TestRigDocumentRoundTrip(t *testing.T) {
	dsn := os.Getenv("OLR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OLR_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Connect(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema failed: %v", err)
	}

	wl := 450.0
	doc := &types.RigDocument{
		Wheels: map[string]types.WheelSpec{
			"bp": {Serial: "TP01234", Slots: 6, Type: types.FilterTypeBandpass, Filters: map[int]string{1: "450nm", 2: "EMPTY"}},
			"nd": {Serial: "TP05678", Type: types.FilterTypeND, Filters: map[int]string{1: "ND 0.5"}},
		},
		Filters: map[string]types.FilterMeta{
			"450nm":  {Type: types.FilterTypeBandpass, Wavelength: &wl},
			"ND 0.5": {Type: types.FilterTypeND},
		},
	}

	if err := db.SaveRigDocument(ctx, doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := db.LoadRigDocument(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(got.Wheels) != 2 || got.Wheels["bp"].Filters[1] != "450nm" || got.Wheels["nd"].Type != types.FilterTypeND {
		t.Fatalf("unexpected wheels %+v", got.Wheels)
	}
	if m := got.Filters["450nm"]; m.Wavelength == nil || *m.Wavelength != 450 {
		t.Fatalf("unexpected catalog %+v", got.Filters)
	}
	if got.Filters["ND 0.5"].Wavelength != nil {
		t.Fatalf("expected NULL wavelength to load as nil")
	}
}

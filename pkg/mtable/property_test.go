package mtable_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hesham-youssef/flashmt/internal/model"
	"github.com/hesham-youssef/flashmt/pkg/mtable"
)

// This file runs the same deterministic sequence of Update/Lookup calls
// against the real Table and against internal/model's plain-map shadow,
// asserting every result matches. Grounded on
// state_model_property_test.go — deterministic seeds instead of fuzzing, so
// a failure is reproducible by seed number alone.
func Test_Table_Matches_Model_Property(t *testing.T) {
	const (
		npageMappings = 10
		seedCount     = 20
		opsPerSeed    = 150
	)

	for i := 0; i < seedCount; i++ {
		seed := int64(i + 1)

		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))

			dev := newDevice(t)
			defer dev.Close()

			table, err := mtable.Open(baseConfig(dev, true))
			require.NoError(t, err)
			defer table.Close()

			m := model.New(npageMappings)

			for op := 0; op < opsPerSeed; op++ {
				// Occasionally probe an out-of-range address to exercise
				// the error path on both sides too.
				logical := uint64(rng.Intn(npageMappings + 2))

				if rng.Intn(2) == 0 {
					physical := uint64(rng.Intn(1_000_000))

					wantErr := m.Update(logical, physical)
					gotErr := table.Update(logical, physical)

					compareErrors(t, op, "Update", logical, wantErr, gotErr)
				} else {
					wantPhysical, wantOK, wantErr := m.Lookup(logical)
					gotPhysical, gotOK, gotErr := table.Lookup(logical)

					compareErrors(t, op, "Lookup", logical, wantErr, gotErr)

					if wantErr == nil && gotErr == nil {
						require.Equalf(t, wantOK, gotOK, "op %d: Lookup(%d) ok mismatch", op, logical)

						if wantOK {
							require.Equalf(t, wantPhysical, gotPhysical, "op %d: Lookup(%d) value mismatch", op, logical)
						}
					}
				}
			}
		})
	}
}

func compareErrors(t *testing.T, op int, name string, logical uint64, modelErr, realErr error) {
	t.Helper()

	modelOutOfRange := errors.Is(modelErr, model.ErrOutOfRange)
	realOutOfRange := errors.Is(realErr, mtable.ErrOutOfRange)

	require.Equalf(t, modelOutOfRange, realOutOfRange,
		"op %d: %s(%d) out-of-range mismatch: model=%v real=%v", op, name, logical, modelErr, realErr)

	if !modelOutOfRange {
		require.NoErrorf(t, realErr, "op %d: %s(%d) unexpected real error", op, name, logical)
	}
}

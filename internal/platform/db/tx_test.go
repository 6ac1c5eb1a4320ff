package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct{ pgx.Tx }

func TestTxFromContext_Empty(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected no transaction on a bare context")
	}
}

func TestWithTx_JoinsOuterTransaction(t *testing.T) {
	outer := &fakeTx{}
	ctx := context.WithValue(context.Background(), txKey{}, pgx.Tx(outer))

	called := false
	// A nil pool proves no new transaction is started.
	err := WithTx(ctx, nil, func(ctx context.Context) error {
		called = true
		if TxFromContext(ctx) != outer {
			t.Error("expected the outer transaction to be visible")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to run")
	}
}

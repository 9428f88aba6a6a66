package trading

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/storage"
)

func TestReaperRollsBackUnresolvedBuys(t *testing.T) {
	db := testDB(t)
	day := storage.DayKey(time.Now())

	if err := db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 1_000_000_000, "stale-sig"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddDailySpend(day, 1_000_000_000); err != nil {
		t.Fatal(err)
	}

	notif := &recorder{}
	// Negative timeout makes every SENT position stale immediately.
	// No RPC client: the signature cannot be resolved.
	n, err := ReapStalePositions(context.Background(), db, nil, -time.Second, notif)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	if p, _ := db.GetPosition(testMint); p != nil {
		t.Errorf("empty-before position should be deleted, got %+v", p)
	}

	// Budget stays reserved: the transaction may still have landed
	// somewhere we could not see.
	spent, err := db.GetDailySpend(day)
	if err != nil {
		t.Fatal(err)
	}
	if spent != 1_000_000_000 {
		t.Errorf("daily spend = %d, want 1000000000 still reserved", spent)
	}

	if notif.count() != 1 {
		t.Errorf("notifications = %d, want 1", notif.count())
	}
}

func TestReaperConfirmsLandedBuys(t *testing.T) {
	db := testDB(t)

	rpc := &fakeRPC{statusConfirmed: true}
	srv := httptest.NewServer(http.HandlerFunc(rpc.handler))
	defer srv.Close()
	client := blockchain.NewRPCClient(srv.URL, srv.URL, "")

	if err := db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 1_000_000_000, "landed-sig"); err != nil {
		t.Fatal(err)
	}

	n, err := ReapStalePositions(context.Background(), db, client, -time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reaped = %d, want 0 for a landed buy", n)
	}

	p, err := db.GetPosition(testMint)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Status != storage.PositionConfirmed {
		t.Fatalf("landed buy should be confirmed, got %+v", p)
	}
	if p.RawAmount.Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Errorf("raw = %s, want pending amount credited", p.RawAmount)
	}
}

func TestReaperLeavesFreshSentPositions(t *testing.T) {
	db := testDB(t)

	if err := db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 1_000_000_000, "fresh-sig"); err != nil {
		t.Fatal(err)
	}

	n, err := ReapStalePositions(context.Background(), db, nil, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reaped = %d, want 0", n)
	}

	p, _ := db.GetPosition(testMint)
	if p == nil || p.Status != storage.PositionSent {
		t.Errorf("fresh SENT position must survive, got %+v", p)
	}
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/marketplace"
)

func newInboxRegistry(a *fakeAdapter, inbox *CodeInbox, loginTimeout time.Duration) *Registry {
	return NewRegistry(Config{
		Adapters:     fakeAdapters{a},
		Credentials:  &fakeCreds{},
		Launcher:     &browser.FakeLauncher{},
		Codes:        inbox,
		Clock:        newClock(),
		LoginTimeout: loginTimeout,
	})
}

func TestCodeInboxRelaysCodeToWaitingLogin(t *testing.T) {
	a := &fakeAdapter{outcomes: []marketplace.LoginOutcome{marketplace.LoginNeedsSecondFactor}}
	inbox := NewCodeInbox()
	r := newInboxRegistry(a, inbox, 5*time.Second)
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		lease, err := r.Acquire(context.Background(), testKey)
		if err == nil {
			lease.Release()
		}
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if infos := r.List(); len(infos) == 1 && infos[0].State == AwaitingSecondFactor {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached awaiting_second_factor")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := inbox.Put(testKey, " 918273 "); err != nil {
		t.Fatalf("Put: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login did not pick up the relayed code")
	}
	if len(a.codes) != 1 || a.codes[0] != "918273" {
		t.Errorf("submitted codes = %v, want [918273]", a.codes)
	}
	if st := r.List()[0].State; st != Authenticated {
		t.Errorf("state = %s, want authenticated", st)
	}
}

func TestCodeInboxPrefetchedCode(t *testing.T) {
	a := &fakeAdapter{outcomes: []marketplace.LoginOutcome{marketplace.LoginNeedsSecondFactor}}
	inbox := NewCodeInbox()
	inbox.Put(testKey, "111111")
	inbox.Put(testKey, "222222")
	r := newInboxRegistry(a, inbox, time.Second)
	defer r.Close()

	lease, err := r.Acquire(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()
	if len(a.codes) != 1 || a.codes[0] != "222222" {
		t.Errorf("submitted codes = %v, want the newest code", a.codes)
	}
}

func TestCodeInboxTimesOut(t *testing.T) {
	a := &fakeAdapter{outcomes: []marketplace.LoginOutcome{marketplace.LoginNeedsSecondFactor}}
	r := newInboxRegistry(a, NewCodeInbox(), 50*time.Millisecond)
	defer r.Close()

	_, err := r.Acquire(context.Background(), testKey)
	var sf *marketplace.StepFailure
	if !errors.As(err, &sf) || sf.Step != marketplace.StepSecondFactor {
		t.Fatalf("err = %v, want second_factor step failure", err)
	}
	if !errors.Is(err, ErrSecondFactorUnavailable) {
		t.Errorf("err = %v, want ErrSecondFactorUnavailable", err)
	}
}

func TestCodeInboxCodeIsSingleUse(t *testing.T) {
	inbox := NewCodeInbox()
	if err := inbox.Put(testKey, "  "); !errors.Is(err, ErrEmptyCode) {
		t.Errorf("Put(blank) = %v, want ErrEmptyCode", err)
	}
	inbox.Put(testKey, "333333")

	got, err := inbox.Code(context.Background(), testKey)
	if err != nil || got != "333333" {
		t.Fatalf("Code = %q, %v", got, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := inbox.Code(ctx, testKey); err == nil {
		t.Error("second Code should wait and time out")
	}
	other := Key{PartnerID: "p2", MarketplaceID: "testmarket"}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	inbox.Put(testKey, "444444")
	if _, err := inbox.Code(ctx2, other); err == nil {
		t.Error("codes must not cross keys")
	}
}

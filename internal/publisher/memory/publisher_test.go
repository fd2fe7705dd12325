package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

func alert(siteID string, kind monitor.ChangeKind) monitor.Alert {
	return monitor.Alert{Site: monitor.SiteConfig{ID: siteID}, Report: monitor.ChangeReport{SiteID: siteID, Kind: kind}}
}

func TestNotifierStoresAlerts(t *testing.T) {
	t.Parallel()

	n := New(0)
	if err := n.Notify(context.Background(), alert("a", monitor.ChangeContent)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := n.Notify(context.Background(), alert("b", monitor.ChangeIP)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	got := n.Alerts()
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(got))
	}
	if got[0].Site.ID != "a" || got[1].Report.Kind != monitor.ChangeIP {
		t.Fatalf("alerts not recorded in order: %+v", got)
	}
	if len(n.ForSite("b")) != 1 {
		t.Fatalf("expected one alert for site b")
	}

	got[0].Site.ID = "modified"
	if n.Alerts()[0].Site.ID == "modified" {
		t.Fatal("expected Alerts() to return a copy")
	}
}

func TestNotifierLimitKeepsNewest(t *testing.T) {
	t.Parallel()

	n := New(2)
	for _, id := range []string{"a", "b", "c"} {
		_ = n.Notify(context.Background(), alert(id, monitor.ChangeStatus))
	}
	got := n.Alerts()
	if len(got) != 2 || got[0].Site.ID != "b" || got[1].Site.ID != "c" {
		t.Fatalf("unexpected alerts after limit: %+v", got)
	}
}

package api

import (
	"time"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

type siteRequest struct {
	URL             string `json:"url"`
	IntervalMinutes int    `json:"interval_minutes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SiteView is the wire form of a monitored site.
type SiteView struct {
	ID                  string                `json:"id"`
	URL                 string                `json:"url"`
	IntervalMinutes     int                   `json:"interval_minutes"`
	CreatedAt           time.Time             `json:"created_at"`
	LastCheckedAt       *time.Time            `json:"last_checked_at,omitempty"`
	NextDueAt           time.Time             `json:"next_due_at"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastSnapshot        *monitor.Snapshot     `json:"last_snapshot,omitempty"`
	LastChange          *monitor.ChangeReport `json:"last_change,omitempty"`
}

// PageView is the wire form of one page of the site listing.
type PageView struct {
	Sites      []SiteView `json:"sites"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	Total      int        `json:"total"`
	TotalPages int        `json:"total_pages"`
}

func newSiteView(st monitor.SiteState) SiteView {
	v := SiteView{
		ID:                  st.Config.ID,
		URL:                 st.Config.URL,
		IntervalMinutes:     st.Config.IntervalMinutes(),
		CreatedAt:           st.Config.CreatedAt,
		NextDueAt:           st.NextDueAt,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastSnapshot:        st.LastSnapshot,
		LastChange:          st.LastChange,
	}
	if !st.LastCheckedAt.IsZero() {
		checked := st.LastCheckedAt
		v.LastCheckedAt = &checked
	}
	return v
}

func newPageView(p monitor.Page) PageView {
	sites := make([]SiteView, 0, len(p.Sites))
	for _, st := range p.Sites {
		sites = append(sites, newSiteView(st))
	}
	return PageView{
		Sites:      sites,
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	}
}

package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"limit=10&offset=30", 10, 30},
		{"limit=500", MaxLimit, 0},
		{"limit=-3&offset=-1", DefaultLimit, 0},
		{"limit=abc&offset=xyz", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments?"+tt.query, nil)
		p := FromContext(e.NewContext(req, httptest.NewRecorder()))
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.limit, tt.offset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if r := NewResponse([]string{"a"}, 45, 20, 20); !r.HasMore {
		t.Error("expected more after the second of three pages")
	}
	if r := NewResponse([]string{"a"}, 45, 20, 40); r.HasMore {
		t.Error("expected no more on the last page")
	}
}

func TestParams_Navigation(t *testing.T) {
	tests := []struct {
		p                Params
		total            int
		hasNext, hasPrev bool
		next, prev       int
	}{
		{Params{Limit: 20, Offset: 0}, 45, true, false, 20, 0},
		{Params{Limit: 20, Offset: 20}, 45, true, true, 40, 0},
		{Params{Limit: 20, Offset: 40}, 45, false, true, 60, 20},
		{Params{Limit: 20, Offset: 10}, 15, false, true, 30, 0},
	}
	for _, tt := range tests {
		if got := tt.p.HasNext(tt.total); got != tt.hasNext {
			t.Errorf("%+v HasNext(%d) = %v", tt.p, tt.total, got)
		}
		if got := tt.p.HasPrevious(); got != tt.hasPrev {
			t.Errorf("%+v HasPrevious() = %v", tt.p, got)
		}
		if got := tt.p.NextOffset(); got != tt.next {
			t.Errorf("%+v NextOffset() = %d, want %d", tt.p, got, tt.next)
		}
		if got := tt.p.PreviousOffset(); got != tt.prev {
			t.Errorf("%+v PreviousOffset() = %d, want %d", tt.p, got, tt.prev)
		}
	}
}

func relations(links []Link) string {
	var rels []string
	for _, l := range links {
		rels = append(rels, l.Relation)
	}
	return strings.Join(rels, ",")
}

func TestParams_Links(t *testing.T) {
	filters := url.Values{"department": {"DENTAL"}, "status": {"CHECKED_IN"}, "offset": {"999"}}

	tests := []struct {
		name  string
		p     Params
		total int
		rels  string
	}{
		{"first page", Params{Limit: 10, Offset: 0}, 25, "self,next"},
		{"middle page", Params{Limit: 10, Offset: 10}, 25, "self,next,previous"},
		{"last page", Params{Limit: 10, Offset: 20}, 25, "self,previous"},
		{"no results", Params{Limit: 10, Offset: 0}, 0, "self"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := tt.p.Links("/api/v1/appointments", filters, tt.total)
			if got := relations(links); got != tt.rels {
				t.Fatalf("relations = %s, want %s", got, tt.rels)
			}
			for _, l := range links {
				u, err := url.Parse(l.URL)
				if err != nil {
					t.Fatalf("bad link %q: %v", l.URL, err)
				}
				q := u.Query()
				if u.Path != "/api/v1/appointments" || q.Get("department") != "DENTAL" || q.Get("status") != "CHECKED_IN" {
					t.Errorf("link %q lost path or filters", l.URL)
				}
				if q.Get("offset") == "999" {
					t.Errorf("link %q kept the caller's offset", l.URL)
				}
			}
		})
	}

	if filters.Get("offset") != "999" {
		t.Error("Links must not modify the caller's query")
	}
}

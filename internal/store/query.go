package store

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"duetrack/internal/domain"
)

const (
	DefaultLimit = 50
	MaxLimit     = 50
)

// sortColumns maps API field names to storage column names.
var sortColumns = map[string]string{
	"deadline":    "deadline",
	"createdAt":   "created_at",
	"completedAt": "completed_at",
	"title":       "title",
	"status":      "status",
}

type SortField struct {
	Column string
	Desc   bool
}

type Query struct {
	Statuses    []domain.Status
	DeadlineGT  *time.Time
	DeadlineGTE *time.Time
	DeadlineLT  *time.Time
	DeadlineLTE *time.Time
	Sort        []SortField
	Page        int
	Limit       int
}

func (q Query) Skip() int { return (q.Page - 1) * q.Limit }

// ParseQuery reads list parameters: status=NEW,OVERDUE, deadline[gte]=RFC3339
// (also gt, lt, lte), sort=deadline,-createdAt, page and limit.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{Page: 1, Limit: DefaultLimit}

	if raw := v.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return Query{}, domain.NewValidationError("status", "unknown status "+s)
			}
			q.Statuses = append(q.Statuses, st)
		}
	}

	for op, dst := range map[string]**time.Time{
		"gt": &q.DeadlineGT, "gte": &q.DeadlineGTE, "lt": &q.DeadlineLT, "lte": &q.DeadlineLTE,
	} {
		raw := v.Get("deadline[" + op + "]")
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Query{}, domain.NewValidationError("deadline["+op+"]", "must be an RFC3339 timestamp")
		}
		t = t.UTC()
		*dst = &t
	}

	if raw := v.Get("sort"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			f = strings.TrimSpace(f)
			desc := strings.HasPrefix(f, "-")
			col, ok := sortColumns[strings.TrimPrefix(f, "-")]
			if !ok {
				return Query{}, domain.NewValidationError("sort", "cannot sort by "+f)
			}
			q.Sort = append(q.Sort, SortField{Column: col, Desc: desc})
		}
	} else {
		q.Sort = []SortField{{Column: "created_at", Desc: true}}
	}

	if raw := v.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Query{}, domain.NewValidationError("page", "must be a positive integer")
		}
		q.Page = n
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Query{}, domain.NewValidationError("limit", "must be a positive integer")
		}
		q.Limit = min(n, MaxLimit)
	}
	return q, nil
}

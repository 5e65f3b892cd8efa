package journal

import (
	"context"
	"database/sql"
)

//StatsCount is the number of rows sharing a label
type StatsCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

//Stats summarizes the journal (top 10 close reasons, tools, etc)
type Stats struct {
	SessionCount    int           `json:"session_count"`
	ClientCount     int           `json:"client_count"`
	InvocationCount int           `json:"invocation_count"`
	Reasons         []*StatsCount `json:"reasons"`
	States          []*StatsCount `json:"states"`
	Tools           []*StatsCount `json:"tools"`
}

func (s *SQLStore) count(ctx context.Context, query, field string, dst *int) error {
	err := s.db.QueryRowContext(ctx, query).Scan(dst)
	switch {
	case err == sql.ErrNoRows:
		return &Error{Description: "Could not query Stats." + field + ": ErrNoRows", Err: err}
	case err != nil:
		return &Error{Description: "Could not query Stats." + field, Err: err}
	}
	return nil
}

func (s *SQLStore) group(ctx context.Context, query, field string) ([]*StatsCount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &Error{Description: "Could not query Stats." + field, Err: err}
	}
	defer rows.Close()

	counts := make([]*StatsCount, 0)
	for rows.Next() {
		c := new(StatsCount)
		if sErr := rows.Scan(&(c.Label), &(c.Count)); sErr != nil {
			return nil, &Error{Description: "Could not scan Stats." + field + " row", Err: sErr}
		}
		counts = append(counts, c)
	}

	if err = rows.Err(); err != nil {
		return nil, &Error{Description: "Could not scan Stats." + field + " rows", Err: err}
	}
	return counts, nil
}

//ReadStats returns Stats, or an error if one occurred
func (s *SQLStore) ReadStats(ctx context.Context) (*Stats, error) {
	st := new(Stats)
	var err error

	if err = s.count(ctx, "SELECT COUNT(id) FROM agent_sessions;", "SessionCount", &(st.SessionCount)); err != nil {
		return nil, err
	}
	if err = s.count(ctx, "SELECT COUNT(DISTINCT client_id) FROM agent_sessions;", "ClientCount", &(st.ClientCount)); err != nil {
		return nil, err
	}
	if err = s.count(ctx, "SELECT COUNT(*) FROM invocations;", "InvocationCount", &(st.InvocationCount)); err != nil {
		return nil, err
	}

	if st.Reasons, err = s.group(ctx, "SELECT reason, COUNT(id) as c FROM agent_sessions WHERE reason IS NOT NULL GROUP BY reason ORDER BY c DESC LIMIT 10;", "Reasons"); err != nil {
		return nil, err
	}
	if st.States, err = s.group(ctx, "SELECT state, COUNT(*) as c FROM invocations GROUP BY state ORDER BY c DESC LIMIT 10;", "States"); err != nil {
		return nil, err
	}
	if st.Tools, err = s.group(ctx, "SELECT name, COUNT(*) as c FROM invocations GROUP BY name ORDER BY c DESC LIMIT 10;", "Tools"); err != nil {
		return nil, err
	}

	return st, nil
}

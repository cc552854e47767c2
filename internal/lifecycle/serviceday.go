package lifecycle

import "time"

// ServiceDay maps instants onto the local calendar day tickets are numbered and swept by.
type ServiceDay struct {
	loc *time.Location
}

func NewServiceDay(loc *time.Location) ServiceDay {
	if loc == nil {
		loc = time.UTC
	}
	return ServiceDay{loc: loc}
}

func (d ServiceDay) Location() *time.Location {
	if d.loc == nil {
		return time.UTC
	}
	return d.loc
}

// Start returns local midnight of the service day containing t.
func (d ServiceDay) Start(t time.Time) time.Time {
	local := t.In(d.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, d.Location())
}

// Code is the yyMMdd prefix of queue numbers issued on t's service day.
func (d ServiceDay) Code(t time.Time) string {
	return t.In(d.Location()).Format("060102")
}

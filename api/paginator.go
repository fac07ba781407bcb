package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"

	"fieldsync/models"
)

// page holds one normalised upstream response. The API answers in several
// shapes: a bare list, {result: [...]}, {result: {entityList, page, pageCount}}
// and {result: {entityList}, links: [{rel: "nextPage", href}]}.
type page struct {
	items     []interface{}
	next      string
	pageNum   int
	pageCount int
	enveloped bool
}

// FetchAll drives page-by-page retrieval from one endpoint and returns every
// record across all pages. filter, when non-nil, is sent URL-encoded as the
// paramFilter query parameter.
//
// A transport error or malformed page terminates the sequence for this
// endpoint only: the error is logged and the records fetched so far are
// returned, so partial progress still reaches the store. Context cancellation
// propagates as an error.
func FetchAll(ctx context.Context, sess *Session, endpoint string, filter map[string]interface{}, pageSize int) ([]models.Record, error) {
	var records []models.Record
	var nextURL string
	pageNum := 1

	for {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		var body []byte
		var err error
		if nextURL != "" {
			body, err = sess.GetURL(ctx, nextURL)
		} else {
			body, err = sess.Get(ctx, endpoint, pageQuery(pageNum, pageSize, filter))
		}
		if err != nil {
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			log.WithFields(log.Fields{"endpoint": endpoint, "page": pageNum, "error": err}).Warn("pagination terminated early")
			return records, nil
		}

		p, err := parsePage(body, pageNum)
		if err != nil {
			log.WithFields(log.Fields{"endpoint": endpoint, "page": pageNum, "error": err}).Warn("malformed page terminated pagination")
			return records, nil
		}

		if len(p.items) == 0 {
			return records, nil
		}

		for _, item := range p.items {
			if r, ok := item.(map[string]interface{}); ok {
				records = append(records, models.Record(r))
			} else {
				log.WithFields(log.Fields{"endpoint": endpoint, "item": item}).Warn("dropping non-object element in records array")
			}
		}

		if len(p.items) < pageSize {
			return records, nil
		}

		if p.enveloped {
			if p.next != "" {
				nextURL = p.next
				pageNum++
				continue
			}
			// no link: fall back to page/pageCount, treating an absent
			// pageCount as the current page being the last
			if p.pageCount == 0 || p.pageNum >= p.pageCount {
				return records, nil
			}
		}

		nextURL = ""
		pageNum++
	}
}

func pageQuery(pageNum, pageSize int, filter map[string]interface{}) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(pageNum))
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("order", "asc")
	if len(filter) > 0 {
		encoded, _ := json.Marshal(filter)
		q.Set("paramFilter", string(encoded))
	}
	return q
}

// parsePage normalises one response body into a page, tolerating every shape
// the upstream is known to answer with. Numbers are decoded as json.Number so
// integer-valued fields keep their upstream formatting through TEXT columns
// instead of picking up a float64 decimal point.
func parsePage(body []byte, requested int) (page, error) {
	p := page{pageNum: requested}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return p, err
	}

	switch d := data.(type) {
	case []interface{}:
		p.items = d
		return p, nil
	case map[string]interface{}:
		result, ok := d["result"]
		if !ok {
			// some endpoints answer with the envelope fields at top level
			result = d
		}

		switch r := result.(type) {
		case []interface{}:
			p.items = r
			return p, nil
		case map[string]interface{}:
			p.enveloped = true
			if items, ok := r["entityList"].([]interface{}); ok {
				p.items = items
			}
			if n, ok := pageNumber(r["page"]); ok {
				p.pageNum = n
			}
			if n, ok := pageNumber(r["pageCount"]); ok {
				p.pageCount = n
			}
			p.next = nextPageLink(r["links"])
			if p.next == "" {
				p.next = nextPageLink(d["links"])
			}
			return p, nil
		}
	}

	return p, nil
}

func pageNumber(value interface{}) (int, bool) {
	n, ok := value.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(i), true
}

// nextPageLink extracts the href of a rel=nextPage link, if present.
func nextPageLink(links interface{}) string {
	list, ok := links.([]interface{})
	if !ok {
		return ""
	}
	for _, l := range list {
		link, ok := l.(map[string]interface{})
		if !ok {
			continue
		}
		if rel, _ := link["rel"].(string); rel == "nextPage" {
			href, _ := link["href"].(string)
			return href
		}
	}
	return ""
}

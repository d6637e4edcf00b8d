package scraper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
)

var ErrUnknownScraper = errors.New("unknown processor")

// OrderSink receives scraped orders.
type OrderSink interface {
	InsertOrder(ctx context.Context, o *domain.StagingPurchaseOrder) error
}

// Result summarizes one scrape.
type Result struct {
	Orders   int
	Failed   int
	Requests int
}

// Scraper extracts the order history of one supplier site into a batch.
type Scraper interface {
	Name() string
	Scrape(ctx context.Context, cookies *domain.CookieFile, batch *domain.StagingBatch, sink OrderSink) (Result, error)
}

// SiteScraper is a Scraper driven entirely by a SiteConfig.
type SiteScraper struct {
	site config.SiteConfig
	log  logrus.FieldLogger
	now  func() time.Time
}

// NewSiteScraper creates a scraper for site.
func NewSiteScraper(site config.SiteConfig, log logrus.FieldLogger) *SiteScraper {
	site.ApplyDefaults()
	return &SiteScraper{
		site: site,
		log:  log.WithField("site", site.Name),
		now:  time.Now,
	}
}

func (s *SiteScraper) Name() string { return s.site.Name }

// Scrape opens a session with cookies, walks the orders list and stores each
// order with its items. A failing list page aborts the scrape; a failing
// order page is recorded on that order.
func (s *SiteScraper) Scrape(ctx context.Context, cookies *domain.CookieFile, batch *domain.StagingBatch, sink OrderSink) (res Result, err error) {
	if !batch.SupplierID.Valid {
		return res, fmt.Errorf("batch %s has no supplier", batch.ID)
	}

	sess, err := NewSession(s.site, cookies, s.log)
	if err != nil {
		return res, fmt.Errorf("open session: %w", err)
	}
	defer func() { res.Requests = sess.Requests() }()

	for ref, lerr := range s.Orders(ctx, sess) {
		if lerr != nil {
			return res, lerr
		}
		order := s.scrapeOrder(ctx, sess, batch, ref)
		if err := sink.InsertOrder(ctx, order); err != nil {
			return res, fmt.Errorf("store order %s: %w", ref.ID, err)
		}
		res.Orders++
		if order.Error != "" {
			res.Failed++
		}
	}

	s.log.WithFields(logrus.Fields{
		"batch":  batch.ID,
		"orders": res.Orders,
		"failed": res.Failed,
	}).Info("scrape finished")
	return res, nil
}

// Orders lists the site's orders lazily. Each order ID is yielded once.
// Listing stops at a page without a successor, a page adding no new orders,
// or after MaxPages pages. A list error is yielded once and ends the sequence,
// except that a 404 or 410 on a page number the site never linked to marks
// the end of the list.
func (s *SiteScraper) Orders(ctx context.Context, sess *Session) iter.Seq2[OrderRef, error] {
	return func(yield func(OrderRef, error) bool) {
		seen := make(map[string]bool)
		templated := strings.Contains(s.site.OrdersListURL, "{page}")
		pageURL := listURL(s.site, 1)
		guessed := false

		for page := 1; page <= s.site.MaxPages && pageURL != ""; page++ {
			if err := ctx.Err(); err != nil {
				yield(OrderRef{}, err)
				return
			}
			body, err := sess.Get(ctx, pageURL)
			if guessed && pastLastPage(err) {
				s.log.WithField("page", page).Debug("orders list ended")
				return
			}
			if err != nil {
				yield(OrderRef{}, fmt.Errorf("fetch orders list: %w", err))
				return
			}
			list, err := ParseOrderList(s.site, pageURL, body)
			if err != nil {
				yield(OrderRef{}, fmt.Errorf("parse orders list: %w", err))
				return
			}

			fresh := 0
			for _, ref := range list.Refs {
				if seen[ref.ID] {
					continue
				}
				seen[ref.ID] = true
				fresh++
				if !yield(ref, nil) {
					return
				}
			}
			if fresh == 0 {
				return
			}

			guessed = false
			switch {
			case list.Next != "":
				pageURL = list.Next
			case templated && s.site.HTML.NextPage == "" && s.site.JSON.NextPage == "":
				pageURL = listURL(s.site, page+1)
				guessed = true
			default:
				pageURL = ""
			}
		}
	}
}

func pastLastPage(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusGone)
}

func (s *SiteScraper) scrapeOrder(ctx context.Context, sess *Session, batch *domain.StagingBatch, ref OrderRef) *domain.StagingPurchaseOrder {
	order := &domain.StagingPurchaseOrder{
		ID:         uuid.New(),
		BatchID:    batch.ID,
		SupplierID: batch.SupplierID.UUID,
		ExternalID: ref.ID,
		URL:        ref.URL,
		CreatedAt:  s.now().UTC(),
	}
	log := s.log.WithField("order", ref.ID)

	body, err := sess.Get(ctx, ref.URL)
	if err != nil {
		log.WithError(err).Warn("order fetch failed")
		order.Error = err.Error()
		return order
	}
	parsed, err := ParseOrderDetail(s.site, ref.URL, body)
	if err != nil {
		log.WithError(err).Warn("order parse failed")
		order.Error = err.Error()
		return order
	}

	order.Fields = parsed.Fields
	for _, it := range parsed.Items {
		order.Items = append(order.Items, domain.StagingPurchaseOrderItem{
			ID:              uuid.New(),
			OrderID:         order.ID,
			Name:            it.Name,
			SKU:             it.SKU,
			Quantity:        parseQuantity(it.Quantity),
			UnitPrice:       it.Price,
			ProductURL:      it.Link,
			ImageURL:        it.Image,
			CandidateStatus: domain.CandidatePending,
		})
	}
	log.WithField("items", len(order.Items)).Debug("order scraped")
	return order
}

// Registry maps processor names to scrapers.
type Registry struct {
	scrapers map[string]Scraper
}

// NewRegistry builds a SiteScraper for every configured site.
func NewRegistry(sites []config.SiteConfig, log logrus.FieldLogger) *Registry {
	r := &Registry{scrapers: make(map[string]Scraper, len(sites))}
	for _, site := range sites {
		r.Register(NewSiteScraper(site, log))
	}
	return r
}

// Register adds s, replacing any scraper of the same name.
func (r *Registry) Register(s Scraper) {
	r.scrapers[s.Name()] = s
}

// Lookup returns the scraper registered under name.
func (r *Registry) Lookup(name string) (Scraper, error) {
	s, ok := r.scrapers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScraper, name)
	}
	return s, nil
}

// Names returns the registered processor names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scrapers))
	for name := range r.scrapers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

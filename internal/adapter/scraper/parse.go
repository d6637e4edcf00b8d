package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/cwygoda/intake/internal/config"
)

var (
	ErrNoItems     = errors.New("no line items found")
	ErrInvalidJSON = errors.New("page is not valid JSON")
)

// OrderRef identifies one order discovered on the orders list.
type OrderRef struct {
	ID  string
	URL string
}

// ListPage is one parsed page of the orders list. Refs may contain
// duplicates; Next is the absolute URL of the following page, if linked.
type ListPage struct {
	Refs []OrderRef
	Next string
}

// ParsedItem holds the raw text of one order line.
type ParsedItem struct {
	Name     string
	SKU      string
	Quantity string
	Price    string
	Link     string
	Image    string
}

// ParsedOrder is the structured content of an order detail page.
type ParsedOrder struct {
	Fields map[string]string
	Items  []ParsedItem
}

// ParseOrderList extracts order references from an orders list page.
func ParseOrderList(site config.SiteConfig, pageURL string, body []byte) (*ListPage, error) {
	if site.Format == "json" {
		return parseJSONList(site, pageURL, body)
	}
	return parseHTMLList(site, pageURL, body)
}

// ParseOrderDetail extracts fields and line items from an order page.
func ParseOrderDetail(site config.SiteConfig, pageURL string, body []byte) (*ParsedOrder, error) {
	var (
		order *ParsedOrder
		err   error
	)
	if site.Format == "json" {
		order, err = parseJSONDetail(site, pageURL, body)
	} else {
		order, err = parseHTMLDetail(site, pageURL, body)
	}
	if err != nil {
		return nil, err
	}
	if len(order.Items) == 0 {
		return nil, ErrNoItems
	}
	return order, nil
}

func parseHTMLList(site config.SiteConfig, pageURL string, body []byte) (*ListPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse orders list: %w", err)
	}

	var pattern *regexp.Regexp
	if site.HTML.OrderIDPattern != "" {
		if pattern, err = regexp.Compile(site.HTML.OrderIDPattern); err != nil {
			return nil, fmt.Errorf("order id pattern: %w", err)
		}
	}

	page := &ListPage{}
	doc.Find(site.HTML.OrderLink).Each(func(_ int, sel *goquery.Selection) {
		val, ok := sel.Attr(site.HTML.OrderIDAttr)
		if !ok {
			return
		}
		id := extractID(strings.TrimSpace(val), site.HTML.OrderIDAttr, pattern)
		if id == "" {
			return
		}
		page.Refs = append(page.Refs, OrderRef{ID: id, URL: detailURL(site, id)})
	})

	if site.HTML.NextPage != "" {
		if href, ok := doc.Find(site.HTML.NextPage).First().Attr("href"); ok {
			page.Next = resolve(pageURL, strings.TrimSpace(href))
		}
	}
	return page, nil
}

func parseHTMLDetail(site config.SiteConfig, pageURL string, body []byte) (*ParsedOrder, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}

	order := &ParsedOrder{Fields: make(map[string]string, len(site.HTML.Fields))}
	for name, selector := range site.HTML.Fields {
		if v := text(doc.Find(selector).First()); v != "" {
			order.Fields[name] = v
		}
	}

	sel := site.HTML
	doc.Find(sel.ItemRow).Each(func(_ int, row *goquery.Selection) {
		item := ParsedItem{
			Name:     childText(row, sel.ItemName),
			SKU:      childText(row, sel.ItemSKU),
			Quantity: childText(row, sel.ItemQuantity),
			Price:    childText(row, sel.ItemPrice),
			Link:     resolve(pageURL, childAttr(row, sel.ItemLink, "href")),
			Image:    resolve(pageURL, childAttr(row, sel.ItemImage, "src")),
		}
		if item.Name == "" && item.SKU == "" {
			return
		}
		order.Items = append(order.Items, item)
	})
	return order, nil
}

func parseJSONList(site config.SiteConfig, pageURL string, body []byte) (*ListPage, error) {
	doc, err := jsonDocument(site, body)
	if err != nil {
		return nil, err
	}

	page := &ListPage{}
	for _, v := range gjson.Get(doc, site.JSON.OrderIDs).Array() {
		id := strings.TrimSpace(v.String())
		if id == "" {
			continue
		}
		page.Refs = append(page.Refs, OrderRef{ID: id, URL: detailURL(site, id)})
	}
	if site.JSON.NextPage != "" {
		page.Next = resolve(pageURL, gjson.Get(doc, site.JSON.NextPage).String())
	}
	return page, nil
}

func parseJSONDetail(site config.SiteConfig, pageURL string, body []byte) (*ParsedOrder, error) {
	doc, err := jsonDocument(site, body)
	if err != nil {
		return nil, err
	}

	paths := site.JSON
	order := &ParsedOrder{Fields: make(map[string]string, len(paths.Fields))}
	for name, p := range paths.Fields {
		if v := gjson.Get(doc, p); v.Exists() {
			order.Fields[name] = v.String()
		}
	}

	gjson.Get(doc, paths.Items).ForEach(func(_, it gjson.Result) bool {
		item := ParsedItem{
			Name:     jsonField(it, paths.ItemName),
			SKU:      jsonField(it, paths.ItemSKU),
			Quantity: jsonField(it, paths.ItemQuantity),
			Price:    jsonField(it, paths.ItemPrice),
			Link:     resolve(pageURL, jsonField(it, paths.ItemLink)),
			Image:    resolve(pageURL, jsonField(it, paths.ItemImage)),
		}
		if item.Name != "" || item.SKU != "" {
			order.Items = append(order.Items, item)
		}
		return true
	})
	return order, nil
}

// jsonDocument returns the JSON text of a page, unwrapping an embedded
// script element when configured.
func jsonDocument(site config.SiteConfig, body []byte) (string, error) {
	doc := string(body)
	if site.JSON.Embedded != "" {
		html, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("parse page: %w", err)
		}
		doc = html.Find(site.JSON.Embedded).First().Text()
	}
	if !gjson.Valid(doc) {
		return "", ErrInvalidJSON
	}
	return doc, nil
}

func jsonField(r gjson.Result, p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimSpace(r.Get(p).String())
}

// extractID pulls the order ID out of a link attribute. Without a pattern an
// href yields its last path segment.
func extractID(val, attr string, pattern *regexp.Regexp) string {
	if pattern != nil {
		m := pattern.FindStringSubmatch(val)
		switch {
		case len(m) > 1:
			return m[1]
		case len(m) == 1:
			return m[0]
		default:
			return ""
		}
	}
	if attr != "href" {
		return val
	}
	u, err := url.Parse(val)
	if err != nil {
		return ""
	}
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if seg == "." || seg == "/" {
		return ""
	}
	return seg
}

func detailURL(site config.SiteConfig, id string) string {
	return resolve(site.BaseURL, strings.ReplaceAll(site.OrderDetailURL, "{id}", url.PathEscape(id)))
}

func listURL(site config.SiteConfig, page int) string {
	return resolve(site.BaseURL, strings.ReplaceAll(site.OrdersListURL, "{page}", strconv.Itoa(page)))
}

var spaces = regexp.MustCompile(`\s+`)

func text(sel *goquery.Selection) string {
	return strings.TrimSpace(spaces.ReplaceAllString(sel.Text(), " "))
}

func childText(row *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return text(row.Find(selector).First())
}

func childAttr(row *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	v, _ := row.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

var digits = regexp.MustCompile(`\d+`)

// parseQuantity reads the first integer in s, defaulting to 1.
func parseQuantity(s string) int {
	m := digits.FindString(s)
	if m == "" {
		return 1
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

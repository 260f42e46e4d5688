package beacon

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/MailBeacon/internal/models"
	"github.com/pkg/errors"
)

// ErrMalformedBeacon — обязательные поля отсутствуют или не парсятся.
// На границе приёма никогда не отдаётся наружу как громкая ошибка.
var ErrMalformedBeacon = errors.New("malformed beacon")

// Пути транспортов. Handler регистрирует их как есть.
const (
	PixelPath      = "/tracking/pixel.gif"
	CSSPath        = "/tracking/css/pixel.css"
	BackgroundPath = "/tracking/background.gif"
	RedirectPath   = "/tracking/redirect"
	DNSPath        = "/open.gif"
)

// Codec собирает и разбирает идентификаторы трекинга во всех транспортных
// формах. baseURL — публичный адрес сервиса приёма (https://track.example.com),
// trackingDomain — домен для DNS-транспорта (track.example.com).
type Codec struct {
	baseURL        string
	trackingDomain string

	// подменяется в тестах
	now func() time.Time
}

func New(baseURL, trackingDomain string) *Codec {
	return &Codec{
		baseURL:        strings.TrimRight(baseURL, "/"),
		trackingDomain: trackingDomain,
		now:            time.Now,
	}
}

// Decoded — результат разбора входящего запроса.
type Decoded struct {
	Identity  models.TrackingIdentity
	Type      string
	Transport string
	// ClickURL заполнен только для redirect-транспорта,
	// уже URL-декодированный ровно один раз.
	ClickURL string
}

func (c *Codec) query(id models.TrackingIdentity) url.Values {
	q := url.Values{}
	q.Set("flowId", id.FlowID)
	q.Set("stepId", id.StepID)
	q.Set("contactId", id.ContactID)
	// Кэш-бастер: единственная роль — обход клиентского HTTP-кэша.
	// В DedupKey не входит и при разборе отбрасывается.
	q.Set("t", strconv.FormatInt(c.now().UTC().UnixMilli(), 10))
	return q
}

// PixelURL — open-трекинг через невидимую картинку 1x1.
func (c *Codec) PixelURL(id models.TrackingIdentity) string {
	return c.baseURL + PixelPath + "?" + c.query(id).Encode()
}

// CSSURL — запасной open-транспорт: часть клиентов режет <img>,
// но пропускает @import.
func (c *Codec) CSSURL(id models.TrackingIdentity) string {
	return c.baseURL + CSSPath + "?" + c.query(id).Encode()
}

// BackgroundURL — запасной open-транспорт через background-image.
func (c *Codec) BackgroundURL(id models.TrackingIdentity) string {
	return c.baseURL + BackgroundPath + "?" + c.query(id).Encode()
}

// DNSURL кодирует contactId меткой поддомена, а не query-параметром.
func (c *Codec) DNSURL(id models.TrackingIdentity) string {
	q := url.Values{}
	q.Set("flowId", id.FlowID)
	q.Set("stepId", id.StepID)
	q.Set("t", strconv.FormatInt(c.now().UTC().UnixMilli(), 10))
	return fmt.Sprintf("https://%s.%s%s?%s", id.ContactID, c.trackingDomain, DNSPath, q.Encode())
}

// RedirectURL — click-трекинг: destURL уезжает в параметре url,
// закодированный ровно один раз.
func (c *Codec) RedirectURL(id models.TrackingIdentity, destURL string) string {
	q := c.query(id)
	q.Set("url", destURL)
	return c.baseURL + RedirectPath + "?" + q.Encode()
}

// EncodeURL — общая точка входа: (identity, type, transport) -> URL.
func (c *Codec) EncodeURL(id models.TrackingIdentity, eventType, transport, destURL string) (string, error) {
	if !id.Valid() {
		return "", errors.Wrap(ErrMalformedBeacon, "incomplete identity")
	}
	switch transport {
	case models.TransportPixel:
		return c.PixelURL(id), nil
	case models.TransportCSS:
		return c.CSSURL(id), nil
	case models.TransportBackground:
		return c.BackgroundURL(id), nil
	case models.TransportDNS:
		return c.DNSURL(id), nil
	case models.TransportRedirect:
		if eventType != models.EventTypeClick {
			return "", errors.Wrap(ErrMalformedBeacon, "redirect transport is click-only")
		}
		if destURL == "" {
			return "", errors.Wrap(ErrMalformedBeacon, "empty destination url")
		}
		return c.RedirectURL(id, destURL), nil
	default:
		return "", errors.Wrapf(ErrMalformedBeacon, "unknown transport %q", transport)
	}
}

// PixelHTML — готовый фрагмент для вставки в тело письма.
func (c *Codec) PixelHTML(id models.TrackingIdentity) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`, c.PixelURL(id))
}

func (c *Codec) CSSImportHTML(id models.TrackingIdentity) string {
	return fmt.Sprintf(`<style>@import url("%s");</style>`, c.CSSURL(id))
}

func (c *Codec) BackgroundHTML(id models.TrackingIdentity) string {
	return fmt.Sprintf(`<div style="background-image:url('%s')"></div>`, c.BackgroundURL(id))
}

// Decode разбирает входящий запрос маяка. Транспорт определяется путём
// (и хостом для DNS-формы). CSS и background разбираются идентично пикселю.
func (c *Codec) Decode(r *http.Request) (Decoded, error) {
	switch r.URL.Path {
	case PixelPath:
		return c.decodeOpen(r, models.TransportPixel)
	case CSSPath:
		return c.decodeOpen(r, models.TransportCSS)
	case BackgroundPath:
		return c.decodeOpen(r, models.TransportBackground)
	case RedirectPath:
		return c.decodeRedirect(r)
	case DNSPath:
		return c.decodeDNS(r)
	default:
		return Decoded{}, errors.Wrapf(ErrMalformedBeacon, "unknown beacon path %q", r.URL.Path)
	}
}

func (c *Codec) decodeOpen(r *http.Request, transport string) (Decoded, error) {
	id, err := identityFromQuery(r.URL.Query())
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Identity: id, Type: models.EventTypeOpen, Transport: transport}, nil
}

func (c *Codec) decodeRedirect(r *http.Request) (Decoded, error) {
	q := r.URL.Query()
	id, err := identityFromQuery(q)
	if err != nil {
		return Decoded{}, err
	}

	// q.Get уже снял ровно один слой URL-кодирования. Если после этого
	// значение не абсолютный http(s)-URL (например, было закодировано
	// дважды) — это MalformedBeacon.
	raw := q.Get("url")
	if raw == "" {
		return Decoded{}, errors.Wrap(ErrMalformedBeacon, "missing url param")
	}
	dest, err := url.Parse(raw)
	if err != nil {
		return Decoded{}, errors.Wrap(ErrMalformedBeacon, "unparsable destination url")
	}
	if (dest.Scheme != "http" && dest.Scheme != "https") || dest.Host == "" {
		return Decoded{}, errors.Wrapf(ErrMalformedBeacon, "destination is not an absolute http(s) url: %q", raw)
	}

	return Decoded{
		Identity:  id,
		Type:      models.EventTypeClick,
		Transport: models.TransportRedirect,
		ClickURL:  raw,
	}, nil
}

func (c *Codec) decodeDNS(r *http.Request) (Decoded, error) {
	host := r.Host
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	// contactId извлекается из хоста, не из пути.
	suffix := "." + c.trackingDomain
	if c.trackingDomain == "" || !strings.HasSuffix(host, suffix) {
		return Decoded{}, errors.Wrapf(ErrMalformedBeacon, "host %q is not under tracking domain", host)
	}
	contactID := strings.TrimSuffix(host, suffix)
	if contactID == "" || strings.Contains(contactID, ".") {
		return Decoded{}, errors.Wrapf(ErrMalformedBeacon, "bad contact label in host %q", host)
	}

	q := r.URL.Query()
	id := models.TrackingIdentity{
		FlowID:    q.Get("flowId"),
		StepID:    q.Get("stepId"),
		ContactID: contactID,
	}
	if !id.Valid() {
		return Decoded{}, errors.Wrap(ErrMalformedBeacon, "missing flowId/stepId")
	}
	return Decoded{Identity: id, Type: models.EventTypeOpen, Transport: models.TransportDNS}, nil
}

func identityFromQuery(q url.Values) (models.TrackingIdentity, error) {
	id := models.TrackingIdentity{
		FlowID:    q.Get("flowId"),
		StepID:    q.Get("stepId"),
		ContactID: q.Get("contactId"),
	}
	if !id.Valid() {
		return models.TrackingIdentity{}, errors.Wrap(ErrMalformedBeacon, "missing flowId/stepId/contactId")
	}
	return id, nil
}

package ua

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	contentTypeSDP = "application/sdp"
	allowMethods   = "INVITE, ACK, CANCEL, BYE"
	maxForwards    = 70
)

// newCallID генерирует Call-ID
func newCallID() string {
	return uuid.NewString()
}

// newTag генерирует tag для From/To
func newTag() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// uriKey приводит URI к ключу scheme:user@host для поиска локальных идентичностей
func uriKey(u sip.Uri) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	if u.User == "" {
		return scheme + ":" + strings.ToLower(u.Host)
	}
	return scheme + ":" + u.User + "@" + strings.ToLower(u.Host)
}

func parseURI(s string) (sip.Uri, error) {
	var u sip.Uri
	if strings.TrimSpace(s) == "" {
		return u, newError(KindInvalidState, "parse uri", "пустой URI")
	}
	if err := sip.ParseUri(s, &u); err != nil {
		return u, newError(KindInvalidState, "parse uri", s).WithCause(err)
	}
	if u.Host == "" {
		return u, newError(KindInvalidState, "parse uri", "нет хоста: "+s)
	}
	return u, nil
}

func getTag(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

func withTag(tag string) sip.HeaderParams {
	p := sip.NewParams()
	if tag != "" {
		p.Add("tag", tag)
	}
	return p
}

func appendCommon(req *sip.Request, userAgent string) {
	mf := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&mf)
	if userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	}
}

func setSDP(msg sip.Message, body string) {
	ct := sip.ContentTypeHeader(contentTypeSDP)
	msg.AppendHeader(&ct)
	msg.SetBody([]byte(body))
}

// newResponse строит ответ на запрос. toTag заменяет тег To, который
// sipgo проставляет сам.
func newResponse(req *sip.Request, code int, reason string, body []byte, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if toTag != "" && code > 100 {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", toTag)
		}
	}
	if len(body) > 0 {
		setSDP(res, string(body))
	}
	return res
}

// buildInvite строит исходящий INVITE с локальным предложением SDP
func (c *CallSession) buildInvite(offer string) *sip.Request {
	u := c.ua
	req := sip.NewRequest(sip.INVITE, c.remoteURI)
	req.AppendHeader(&sip.FromHeader{Address: c.localURI, Params: withTag(c.localTag)})
	req.AppendHeader(&sip.ToHeader{Address: c.remoteURI, Params: sip.NewParams()})
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextSeq(), MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: u.contactURI(c.localURI.User)})
	appendCommon(req, u.cfg.UserAgent)
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	req.AppendHeader(sip.NewHeader("Supported", "100rel"))
	setSDP(req, offer)
	return req
}

// buildAck строит ACK на 2xx: Request-URI из Contact ответа,
// маршрут из Record-Route в обратном порядке.
func buildAck(invite *sip.Request, res *sip.Response, userAgent string) *sip.Request {
	target := invite.Recipient
	if contact := res.Contact(); contact != nil {
		target = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, target)
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	appendCommon(ack, userAgent)
	for _, route := range reverseRoutes(recordRoutes(res)) {
		ack.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return ack
}

// buildCancel копирует Via, Route, From, To, Call-ID и номер CSeq из INVITE
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancel)
	mf := sip.MaxForwardsHeader(maxForwards)
	cancel.AppendHeader(&mf)

	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	return cancel
}

// buildBye строит BYE внутри диалога
func (c *CallSession) buildBye() *sip.Request {
	req := sip.NewRequest(sip.BYE, c.remoteTarget)
	req.AppendHeader(&sip.FromHeader{Address: c.localURI, Params: withTag(c.localTag)})
	req.AppendHeader(&sip.ToHeader{Address: c.remoteURI, Params: withTag(c.remoteTag)})
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextSeq(), MethodName: sip.BYE})
	appendCommon(req, c.ua.cfg.UserAgent)
	for _, route := range c.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

// buildRegister строит REGISTER. Request-URI - домен регистратора.
func (rs *registrationSession) buildRegister(expires int, wildcard bool) *sip.Request {
	u := rs.ua
	req := sip.NewRequest(sip.REGISTER, rs.requestURI)
	req.AppendHeader(&sip.FromHeader{Address: rs.aor, Params: withTag(rs.fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: rs.aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(rs.callID)
	req.AppendHeader(&callID)
	rs.seq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: rs.seq, MethodName: sip.REGISTER})
	if wildcard {
		req.AppendHeader(sip.NewHeader("Contact", "*"))
	} else {
		req.AppendHeader(&sip.ContactHeader{Address: u.contactURI(rs.aor.User)})
	}
	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)
	appendCommon(req, u.cfg.UserAgent)
	if rs.authHeader != "" {
		req.AppendHeader(sip.NewHeader(rs.authHeaderName, rs.authHeader))
	}
	return req
}

func recordRoutes(msg sip.Message) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		switch rr := h.(type) {
		case *sip.RecordRouteHeader:
			routes = append(routes, rr.Address)
		default:
			var uri sip.Uri
			value := strings.Trim(h.Value(), "<>")
			if err := sip.ParseUri(value, &uri); err == nil {
				routes = append(routes, uri)
			}
		}
	}
	return routes
}

func reverseRoutes(routes []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, len(routes))
	for i, r := range routes {
		out[len(routes)-1-i] = r
	}
	return out
}

// viaMapping извлекает received/rport из верхнего Via ответа
func viaMapping(res *sip.Response) (host string, port int, ok bool) {
	via := res.Via()
	if via == nil || via.Params == nil {
		return "", 0, false
	}
	received, hasReceived := via.Params.Get("received")
	rport, hasRport := via.Params.Get("rport")
	if !hasReceived && !hasRport {
		return "", 0, false
	}
	host, port = via.Host, via.Port
	if hasReceived && received != "" {
		host = received
	}
	if hasRport && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return host, port, true
}

// expiresOf возвращает срок регистрации из ответа: Expires, затем параметр Contact
func expiresOf(res *sip.Response, requested int) int {
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return v
		}
	}
	if contact := res.Contact(); contact != nil && contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return requested
}

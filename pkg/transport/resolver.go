package transport

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Порты SIP по умолчанию (RFC 3261, раздел 19.1.2)
const (
	defaultSIPPort  = 5060
	defaultSIPSPort = 5061
)

// Resolver находит адрес исходящего прокси по RFC 3263: SRV запись
// сервиса, затем A запись цели. Если DNS недоступен, возвращает имя как
// есть, и разрешением занимается sipgo.
type Resolver struct {
	// NameServer - адрес DNS сервера. Пусто - первый из /etc/resolv.conf
	NameServer string
	// Timeout одного запроса. 0 - 5 секунд
	Timeout time.Duration

	Logger *slog.Logger
}

// srvService возвращает имя SRV записи для сети
func srvService(network, host string) string {
	switch network {
	case "tls":
		return "_sips._tcp." + dns.Fqdn(host)
	case "tcp":
		return "_sip._tcp." + dns.Fqdn(host)
	default:
		return "_sip._udp." + dns.Fqdn(host)
	}
}

func defaultPort(network string) int {
	if network == "tls" {
		return defaultSIPSPort
	}
	return defaultSIPPort
}

// Resolve возвращает "ip:port" прокси. port == 0 включает поиск SRV.
func (r *Resolver) Resolve(ctx context.Context, network, host string, port int) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if port == 0 {
			port = defaultPort(network)
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}

	target := host
	if port == 0 {
		port = defaultPort(network)
		srvs, err := r.LookupSRV(ctx, srvService(network, host))
		switch {
		case err != nil:
			r.logger().Debug("SRV запись не найдена",
				slog.String("host", host),
				slog.Any("error", err))
		case len(srvs) > 0:
			target = strings.TrimSuffix(srvs[0].Target, ".")
			port = int(srvs[0].Port)
		}
	}

	ips, err := r.LookupA(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return "", errtrace.Wrap(ctx.Err())
		}
		r.logger().Debug("A запись не найдена, адрес разрешит системный резолвер",
			slog.String("host", target),
			slog.Any("error", err))
		return net.JoinHostPort(target, strconv.Itoa(port)), nil
	}
	return net.JoinHostPort(ips[0].String(), strconv.Itoa(port)), nil
}

// LookupSRV возвращает записи, отсортированные по приоритету (по
// возрастанию) и весу (по убыванию).
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	resp, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var recs []*dns.SRV
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			recs = append(recs, rr)
		}
	}
	slices.SortStableFunc(recs, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return recs, nil
}

// LookupA возвращает IPv4 адреса имени
func (r *Resolver) LookupA(ctx context.Context, host string) ([]net.IP, error) {
	resp, err := r.exchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var ips []net.IP
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.A); ok {
			ips = append(ips, rr.A)
		}
	}
	if len(ips) == 0 {
		return nil, errtrace.Wrap(&net.DNSError{Err: "no A records", Name: host, IsNotFound: true})
	}
	return ips, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type HTTPGetter struct {
	client *http.Client
}

func NewHTTPGetter(client *http.Client) PeersGetter {
	return &HTTPGetter{client: client}
}

func (h *HTTPGetter) Announce(ctx context.Context, announce string, req Request) (Response, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}

	query := tracker.Query()
	query.Set("info_hash", string(req.InfoHash[:]))
	query.Set("peer_id", req.PeerID)
	if req.IP != "" {
		query.Set("ip", req.IP)
	}
	query.Set("port", strconv.Itoa(int(req.Port)))
	query.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Set("left", strconv.FormatInt(req.Left, 10))
	if req.Event != EventNone {
		query.Set("event", string(req.Event))
	}
	tracker.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	response, err := h.client.Do(request)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Response{}, fmt.Errorf("%w: http error: %s", ErrTracker, response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

func decodeHTTPResponse(body io.Reader) (Response, error) {
	raw, err := bencode.Decode(body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: decoding response: %v", ErrTracker, err)
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return Response{}, fmt.Errorf("%w: response is not a dictionary", ErrTracker)
	}

	for _, key := range []string{"failure", "failure reason"} {
		if reason, ok := dict[key].(string); ok {
			return Response{}, fmt.Errorf("%w: %s", ErrFailure, reason)
		}
	}

	interval, ok := dict["interval"].(int64)
	if !ok {
		return Response{}, fmt.Errorf("%w: no interval in response", ErrTracker)
	}

	var peers []models.Peer
	switch v := dict["peers"].(type) {
	case string:
		peers, err = decodeCompactPeers([]byte(v))
	case []interface{}:
		peers, err = decodePeerList(v)
	default:
		err = fmt.Errorf("%w: no peers in response", ErrTracker)
	}
	if err != nil {
		return Response{}, err
	}

	return Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func decodePeerList(list []interface{}) ([]models.Peer, error) {
	peers := make([]models.Peer, 0, len(list))
	for _, entry := range list {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: peer entry is not a dictionary", ErrTracker)
		}
		peerID, _ := dict["peer id"].(string)
		ip, _ := dict["ip"].(string)
		port, ok := dict["port"].(int64)
		if !ok || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid port for peer %q", ErrTracker, ip)
		}

		addr := net.ParseIP(ip)
		if addr == nil {
			ips, err := net.LookupIP(ip)
			if err != nil || len(ips) == 0 {
				return nil, fmt.Errorf("%w: invalid ip %q", ErrTracker, ip)
			}
			addr = ips[0]
		}
		peers = append(peers, models.Peer{
			Addr:   models.Addr{IP: addr, Port: uint16(port)},
			PeerID: peerID,
		})
	}
	return peers, nil
}

func decodeCompactPeers(compact []byte) ([]models.Peer, error) {
	if len(compact)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peer list of %d bytes", ErrTracker, len(compact))
	}
	peers := make([]models.Peer, 0, len(compact)/6)
	for i := 0; i < len(compact); i += 6 {
		var addr models.Addr
		if err := addr.ReadFromBytes(compact[i : i+6]); err != nil {
			return nil, err
		}
		peers = append(peers, models.Peer{Addr: addr})
	}
	return peers, nil
}

type peerEntry struct {
	IP     string `bencode:"ip"`
	PeerID string `bencode:"peer id"`
	Port   int64  `bencode:"port"`
}

type announceResponse struct {
	Interval int64       `bencode:"interval"`
	Peers    []peerEntry `bencode:"peers"`
}

type failureResponse struct {
	Failure string `bencode:"failure"`
}

// EncodeResponse writes resp in the dictionary peer-list form.
func EncodeResponse(w io.Writer, resp Response) error {
	out := announceResponse{
		Interval: int64(resp.Interval / time.Second),
		Peers:    make([]peerEntry, 0, len(resp.Peers)),
	}
	for _, p := range resp.Peers {
		out.Peers = append(out.Peers, peerEntry{IP: p.Addr.IP.String(), PeerID: p.PeerID, Port: int64(p.Addr.Port)})
	}
	return bencode.Marshal(w, out)
}

func EncodeFailure(w io.Writer, reason string) error {
	return bencode.Marshal(w, failureResponse{Failure: reason})
}

package cache

import (
	"bufio"
	"context"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeValkey speaks just enough RESP for the provider's command set.
type fakeValkey struct {
	listener net.Listener

	mu   sync.Mutex
	sets map[string]map[string]float64 // key -> member -> score
}

func newFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeValkey{listener: listener, sets: make(map[string]map[string]float64)}
	go f.serve()
	t.Cleanup(func() { listener.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		parts, err := readCommand(reader)
		if err != nil {
			return
		}
		switch parts[0] {
		case "PING":
			conn.Write([]byte("+PONG\r\n"))
		case "AUTH", "SELECT":
			conn.Write([]byte("+OK\r\n"))
		case "ZADD":
			score, _ := strconv.ParseFloat(parts[2], 64)
			f.mu.Lock()
			if f.sets[parts[1]] == nil {
				f.sets[parts[1]] = make(map[string]float64)
			}
			f.sets[parts[1]][parts[3]] = score
			f.mu.Unlock()
			conn.Write([]byte(":1\r\n"))
		case "ZRANGEBYSCORE":
			min, _ := strconv.ParseFloat(parts[2], 64)
			max, _ := strconv.ParseFloat(parts[3], 64)
			f.mu.Lock()
			type member struct {
				value string
				score float64
			}
			var matched []member
			for value, score := range f.sets[parts[1]] {
				if score >= min && score <= max {
					matched = append(matched, member{value: value, score: score})
				}
			}
			f.mu.Unlock()
			sort.Slice(matched, func(i, j int) bool { return matched[i].score < matched[j].score })
			resp := "*" + strconv.Itoa(len(matched)) + "\r\n"
			for _, m := range matched {
				resp += "$" + strconv.Itoa(len(m.value)) + "\r\n" + m.value + "\r\n"
			}
			conn.Write([]byte(resp))
		case "PEXPIRE":
			conn.Write([]byte(":1\r\n"))
		default:
			conn.Write([]byte("-ERR unknown command\r\n"))
		}
	}
}

func readCommand(reader *bufio.Reader) ([]string, error) {
	header, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(trimCRLF(header)[1:])
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		sizeLine, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(trimCRLF(sizeLine)[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		for n := 0; n < len(buf); {
			m, err := reader.Read(buf[n:])
			if err != nil {
				return nil, err
			}
			n += m
		}
		parts = append(parts, string(buf[:size]))
	}
	return parts, nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func newTestProvider(t *testing.T) *ValkeyProvider {
	t.Helper()
	fake := newFakeValkey(t)
	provider, err := NewValkeyProvider(ValkeyConfig{
		Addr:        fake.listener.Addr().String(),
		DialTimeout: time.Second, ReadTimeout: time.Second, WriteTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestZAddAndZRangeByScore(t *testing.T) {
	provider := newTestProvider(t)
	ctx := context.Background()

	for i, member := range []string{"first", "second", "third"} {
		if err := provider.ZAdd(ctx, "activity", float64(100+i), []byte(member)); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}

	members, err := provider.ZRangeByScore(ctx, "activity", 101, 200)
	if err != nil {
		t.Fatalf("zrangebyscore: %v", err)
	}
	if len(members) != 2 || string(members[0]) != "second" || string(members[1]) != "third" {
		t.Fatalf("unexpected range result: %q", members)
	}

	empty, err := provider.ZRangeByScore(ctx, "activity", 500, 600)
	if err != nil {
		t.Fatalf("empty range: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty range, got %q", empty)
	}

	all, err := provider.ZRangeByScore(ctx, "activity", 0, math.Inf(1))
	if err != nil {
		t.Fatalf("unbounded range: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("open-ended max should return everything, got %q", all)
	}
}

func TestExpireOnSortedSet(t *testing.T) {
	provider := newTestProvider(t)
	ctx := context.Background()
	if err := provider.ZAdd(ctx, "activity", 1, []byte("m")); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := provider.Expire(ctx, "activity", time.Hour); err != nil {
		t.Fatalf("expire: %v", err)
	}
}

package testframework

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WaitFunc returns just a bool value to check if
// the desired conditions are met.
type WaitFunc func() bool

// WaitFuncWithErr returns a bool value to check if
// the desired conditions are met. Also returns an
// error.
type WaitFuncWithErr func() (bool, error)

// WaitFor takes a WaitFunc and checks for true every
// 100ms.
func WaitFor(f WaitFunc, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return fmt.Errorf("WaitFor reached timeout with %v", f)
		default:
			if f() {
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// WaitForWithErr takes a WaitFuncWithErr and checks for true every
// 100ms.
func WaitForWithErr(f WaitFuncWithErr, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return fmt.Errorf("WaitFor reached timeout with %v", f)
		default:
			ok, err := f()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func GetFreePort() (port int, err error) {
	var a *net.TCPAddr
	if a, err = net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		var l *net.TCPListener
		if l, err = net.ListenTCP("tcp", a); err == nil {
			defer l.Close()
			return l.Addr().(*net.TCPAddr).Port, nil
		}
	}
	return
}

func GenerateRandomString(n int) (string, error) {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret), nil
}

type IdGetter interface {
	NextId() int
}

type IntIdGetter struct {
	sync.Mutex
	nextId int
}

func (i *IntIdGetter) NextId() int {
	i.Lock()
	defer i.Unlock()
	i.nextId++
	return i.nextId
}

// SplitLnAddr splits a lightning address of the form `pubkey@host:port`
// into its parts.
func SplitLnAddr(addr string) (string, string, int, error) {
	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("can not split addr `@` %s", addr)
	}
	p := strings.Split(parts[1], ":")
	if len(p) != 2 {
		return "", "", 0, fmt.Errorf("can not split addr `:` %s", addr)
	}
	port, err := strconv.Atoi(p[1])
	if err != nil {
		return "", "", 0, fmt.Errorf("Atoi() %w", err)
	}
	return parts[0], p[0], port, nil
}

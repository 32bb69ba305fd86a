// Package memstore keeps the whole fleet state in process memory. It backs
// the test suite and the -store=mem development mode; semantics mirror
// pgstore, including the msg_uid uniqueness and the gps_time tie-break on
// state replacement.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"nuha.dev/fleettrack/internal/store"
)

type Store struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	vehicles map[string]*store.Vehicle
	byGps    map[string]string
	states   map[string]*store.VehicleState
	history  []*store.Position
	uids     map[string]bool
	configs  map[int]*store.ReceiverConfig
	seq      uint64
}

func NewStore() *Store {
	return &Store{
		devices:  make(map[string]*store.Device),
		vehicles: make(map[string]*store.Vehicle),
		byGps:    make(map[string]string),
		states:   make(map[string]*store.VehicleState),
		uids:     make(map[string]bool),
		configs:  make(map[int]*store.ReceiverConfig),
	}
}

// AddVehicle links a vehicle into the store; used by tests and seeding.
func (s *Store) AddVehicle(v *store.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	if cp.Id == "" {
		cp.Id = uuid.New().String()
	}
	s.vehicles[cp.Id] = &cp
	if cp.GpsId != "" {
		s.byGps[cp.GpsId] = cp.Id
	}
}

func (s *Store) UpsertDevice(ctx context.Context, imei, vendor, protocol string) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[imei]; ok {
		cp := *d
		return &cp, nil
	}
	d := &store.Device{
		Id:          uuid.New().String(),
		IMEI:        imei,
		Vendor:      vendor,
		Protocol:    protocol,
		InstalledAt: time.Now().UTC(),
	}
	s.devices[imei] = d
	cp := *d
	return &cp, nil
}

func (s *Store) VehicleByIMEI(ctx context.Context, imei string) (*store.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vid, ok := s.byGps[imei]
	if !ok {
		return nil, nil
	}
	cp := *s.vehicles[vid]
	return &cp, nil
}

func (s *Store) HasMsgUID(ctx context.Context, vehicleId, msgUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uids[vehicleId+"\x00"+msgUID], nil
}

func (s *Store) LastState(ctx context.Context, vehicleId string) (*store.VehicleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[vehicleId]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SavePosition(ctx context.Context, pos *store.Position, st *store.VehicleState) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.MsgUID != "" && pos.VehicleId != "" {
		key := pos.VehicleId + "\x00" + pos.MsgUID
		if s.uids[key] {
			return "", false, store.ErrDuplicate
		}
		s.uids[key] = true
	}
	s.seq++
	pos.Id = strconv.FormatUint(s.seq, 10)
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = time.Now().UTC()
	}
	cp := *pos
	s.history = append(s.history, &cp)

	taken := false
	if st != nil {
		cur := s.states[st.VehicleId]
		if cur == nil || !st.GPSTime.Before(cur.GPSTime) {
			ncp := *st
			ncp.LastPositionId = pos.Id
			ncp.LastUpdate = time.Now().UTC()
			if cur != nil && ncp.Address == "" {
				ncp.Address = cur.Address
			}
			s.states[st.VehicleId] = &ncp
			taken = true
		}
	}
	return pos.Id, taken, nil
}

func (s *Store) SetStateAddress(ctx context.Context, vehicleId, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[vehicleId]; ok {
		st.Address = address
	}
	return nil
}

func (s *Store) MarkDisconnected(ctx context.Context, vehicleId, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[vehicleId]; ok {
		st.ConnStatus = status
		st.LastUpdate = time.Now().UTC()
	}
	return nil
}

func (s *Store) ActiveReceiverConfigs(ctx context.Context) ([]store.ReceiverConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ReceiverConfig, 0, len(s.configs))
	for _, rc := range s.configs {
		if rc.Active {
			out = append(out, *rc)
		}
	}
	return out, nil
}

func (s *Store) ReceiverConfigByPort(ctx context.Context, port int) (*store.ReceiverConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.configs[port]
	if !ok {
		return nil, nil
	}
	cp := *rc
	return &cp, nil
}

func (s *Store) CreateReceiverConfig(ctx context.Context, rc *store.ReceiverConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rc
	s.configs[rc.Port] = &cp
	return nil
}

// History snapshots the append-only log; test helper.
func (s *Store) History() []*store.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Position, len(s.history))
	for i, p := range s.history {
		cp := *p
		out[i] = &cp
	}
	return out
}

package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-serialized in-memory Repository. Transactions
// snapshot the whole state and restore it on error, and the mutex is held
// for the duration of WithTx, so it honors the same atomicity contract the
// Postgres implementation gets from row locks and rollback.
type MemoryRepository struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

type memState struct {
	providers    map[uuid.UUID]*Provider
	patients     map[uuid.UUID]*Patient
	services     map[uuid.UUID]*Service
	profiles     map[uuid.UUID]*SchedulingProfile
	patterns     []AvailabilityPattern
	slots        map[uuid.UUID]*TimeSlot
	slotKeys     map[string]uuid.UUID // provider|start -> slot id
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
}

func newMemState() *memState {
	return &memState{
		providers:    make(map[uuid.UUID]*Provider),
		patients:     make(map[uuid.UUID]*Patient),
		services:     make(map[uuid.UUID]*Service),
		profiles:     make(map[uuid.UUID]*SchedulingProfile),
		slots:        make(map[uuid.UUID]*TimeSlot),
		slotKeys:     make(map[string]uuid.UUID),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		mu:    &sync.Mutex{},
		state: newMemState(),
	}
}

func slotKey(providerID uuid.UUID, start time.Time) string {
	return fmt.Sprintf("%s|%d", providerID, start.UnixNano())
}

func (m *MemoryRepository) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryRepository) WithTx(_ context.Context, fn func(Repository) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	txRepo := &MemoryRepository{mu: m.mu, state: m.state, inTx: true}
	if err := fn(txRepo); err != nil {
		*m.state = *snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, p := range s.providers {
		cp := *p
		c.providers[id] = &cp
	}
	for id, p := range s.patients {
		cp := *p
		c.patients[id] = &cp
	}
	for id, sv := range s.services {
		cp := *sv
		c.services[id] = &cp
	}
	for id, pr := range s.profiles {
		cp := *pr
		c.profiles[id] = &cp
	}
	c.patterns = append([]AvailabilityPattern(nil), s.patterns...)
	for id, sl := range s.slots {
		c.slots[id] = cloneSlot(sl)
	}
	for k, v := range s.slotKeys {
		c.slotKeys[k] = v
	}
	for id, a := range s.appointments {
		c.appointments[id] = cloneAppointment(a)
	}
	c.events = append([]EventLog(nil), s.events...)
	return c
}

func cloneSlot(s *TimeSlot) *TimeSlot {
	cp := *s
	if s.AppointmentID != nil {
		id := *s.AppointmentID
		cp.AppointmentID = &id
	}
	return &cp
}

func cloneAppointment(a *Appointment) *Appointment {
	cp := *a
	if a.ServiceID != nil {
		v := *a.ServiceID
		cp.ServiceID = &v
	}
	if a.CancelledBy != nil {
		v := *a.CancelledBy
		cp.CancelledBy = &v
	}
	if a.CancelReason != nil {
		v := *a.CancelReason
		cp.CancelReason = &v
	}
	if a.CancelledAt != nil {
		v := *a.CancelledAt
		cp.CancelledAt = &v
	}
	if a.PreviousStartAt != nil {
		v := *a.PreviousStartAt
		cp.PreviousStartAt = &v
	}
	if a.RescheduleReason != nil {
		v := *a.RescheduleReason
		cp.RescheduleReason = &v
	}
	return &cp
}

// Seeding helpers for test setup.

func (m *MemoryRepository) AddProvider(p Provider) {
	defer m.lock()()
	m.state.providers[p.ID] = &p
}

func (m *MemoryRepository) AddPatient(p Patient) {
	defer m.lock()()
	m.state.patients[p.ID] = &p
}

func (m *MemoryRepository) AddService(s Service) {
	defer m.lock()()
	m.state.services[s.ID] = &s
}

func (m *MemoryRepository) SetProfile(p SchedulingProfile) {
	defer m.lock()()
	m.state.profiles[p.ProviderID] = &p
}

func (m *MemoryRepository) AddPattern(p AvailabilityPattern) {
	defer m.lock()()
	m.state.patterns = append(m.state.patterns, p)
}

// Reference data

func (m *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	defer m.lock()()
	p, ok := m.state.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	defer m.lock()()
	p, ok := m.state.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetServiceByID(_ context.Context, id uuid.UUID) (*Service, error) {
	defer m.lock()()
	s, ok := m.state.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ListProviderIDs(_ context.Context) ([]uuid.UUID, error) {
	defer m.lock()()
	ids := make([]uuid.UUID, 0, len(m.state.providers))
	for id := range m.state.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *MemoryRepository) GetSchedulingProfile(_ context.Context, providerID uuid.UUID) (*SchedulingProfile, error) {
	defer m.lock()()
	p, ok := m.state.profiles[providerID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) ListActivePatterns(_ context.Context, providerID uuid.UUID) ([]AvailabilityPattern, error) {
	defer m.lock()()
	var out []AvailabilityPattern
	for _, p := range m.state.patterns {
		if p.ProviderID == providerID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// Slots

func (m *MemoryRepository) GetSlotByStart(_ context.Context, providerID uuid.UUID, start time.Time) (*TimeSlot, error) {
	defer m.lock()()
	return m.slotByStart(providerID, start)
}

// LockSlotByStart is identical to GetSlotByStart here: the transaction mutex
// already serializes the whole critical section.
func (m *MemoryRepository) LockSlotByStart(_ context.Context, providerID uuid.UUID, start time.Time) (*TimeSlot, error) {
	defer m.lock()()
	return m.slotByStart(providerID, start)
}

func (m *MemoryRepository) slotByStart(providerID uuid.UUID, start time.Time) (*TimeSlot, error) {
	id, ok := m.state.slotKeys[slotKey(providerID, start)]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return cloneSlot(m.state.slots[id]), nil
}

func (m *MemoryRepository) GetSlotByAppointment(_ context.Context, appointmentID uuid.UUID) (*TimeSlot, error) {
	defer m.lock()()
	for _, s := range m.state.slots {
		if s.AppointmentID != nil && *s.AppointmentID == appointmentID {
			return cloneSlot(s), nil
		}
	}
	return nil, ErrSlotNotFound
}

func (m *MemoryRepository) ListSlotsInRange(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	defer m.lock()()
	var out []TimeSlot
	for _, s := range m.state.slots {
		if s.ProviderID != providerID {
			continue
		}
		if s.StartAt.Before(from) || !s.StartAt.Before(to) {
			continue
		}
		out = append(out, *cloneSlot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *MemoryRepository) UpsertGeneratedSlots(_ context.Context, slots []TimeSlot) ([]TimeSlot, error) {
	defer m.lock()()
	now := time.Now()
	persisted := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		key := slotKey(s.ProviderID, s.StartAt)
		if id, ok := m.state.slotKeys[key]; ok {
			existing := m.state.slots[id]
			existing.Date = s.Date
			existing.EndAt = s.EndAt
			existing.UpdatedAt = now
			persisted = append(persisted, *cloneSlot(existing))
			continue
		}
		ns := s
		ns.Available = true
		ns.AppointmentID = nil
		ns.CreatedAt = now
		ns.UpdatedAt = now
		m.state.slots[ns.ID] = &ns
		m.state.slotKeys[key] = ns.ID
		persisted = append(persisted, *cloneSlot(&ns))
	}
	return persisted, nil
}

func (m *MemoryRepository) SaveSlotReservation(_ context.Context, slot *TimeSlot) error {
	defer m.lock()()
	existing, ok := m.state.slots[slot.ID]
	if !ok {
		return ErrSlotNotFound
	}
	existing.Available = slot.Available
	if slot.AppointmentID != nil {
		id := *slot.AppointmentID
		existing.AppointmentID = &id
	} else {
		existing.AppointmentID = nil
	}
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) DeletePastOpenSlots(_ context.Context, before time.Time) (int64, error) {
	defer m.lock()()
	var deleted int64
	for id, s := range m.state.slots {
		if s.Date.Before(before) && s.Available && s.AppointmentID == nil {
			delete(m.state.slots, id)
			delete(m.state.slotKeys, slotKey(s.ProviderID, s.StartAt))
			deleted++
		}
	}
	return deleted, nil
}

// Appointments

func (m *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	defer m.lock()()
	if err := m.checkLiveUnique(a); err != nil {
		return err
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.state.appointments[a.ID] = cloneAppointment(a)
	return nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	defer m.lock()()
	a, ok := m.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (m *MemoryRepository) UpdateAppointment(_ context.Context, a *Appointment) error {
	defer m.lock()()
	existing, ok := m.state.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if err := m.checkLiveUnique(a); err != nil {
		return err
	}
	updated := cloneAppointment(a)
	updated.Status = existing.Status
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	m.state.appointments[a.ID] = updated
	return nil
}

// checkLiveUnique mirrors the partial unique index on live appointments.
func (m *MemoryRepository) checkLiveUnique(a *Appointment) error {
	if !a.Status.Live() {
		return nil
	}
	for _, other := range m.state.appointments {
		if other.ID == a.ID || !other.Status.Live() {
			continue
		}
		if other.ProviderID == a.ProviderID && other.StartAt.Equal(a.StartAt) {
			return &SlotConflictError{
				Reason: fmt.Sprintf("conflicts with existing appointment at %s", a.StartAt.Format(time.RFC3339)),
			}
		}
	}
	return nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	defer m.lock()()
	a, ok := m.state.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return cloneAppointment(a), nil
}

func (m *MemoryRepository) ListLiveAppointmentsOverlapping(_ context.Context, providerID uuid.UUID, from, to time.Time, exclude *uuid.UUID) ([]Appointment, error) {
	defer m.lock()()
	var out []Appointment
	for _, a := range m.state.appointments {
		if a.ProviderID != providerID || !a.Status.Live() {
			continue
		}
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if Overlaps(a.StartAt, a.EndAt(), from, to) {
			out = append(out, *cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	defer m.lock()()
	var out []Appointment
	for _, a := range m.state.appointments {
		if a.PatientID == patientID {
			out = append(out, *cloneAppointment(a))
		}
	}
	return pageAppointments(out, limit, offset), nil
}

func (m *MemoryRepository) ListAppointmentsByProvider(_ context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	defer m.lock()()
	var out []Appointment
	for _, a := range m.state.appointments {
		if a.ProviderID == providerID {
			out = append(out, *cloneAppointment(a))
		}
	}
	return pageAppointments(out, limit, offset), nil
}

func pageAppointments(appts []Appointment, limit, offset int) []Appointment {
	sort.Slice(appts, func(i, j int) bool { return appts[j].StartAt.Before(appts[i].StartAt) })
	if offset >= len(appts) {
		return nil
	}
	appts = appts[offset:]
	if limit > 0 && len(appts) > limit {
		appts = appts[:limit]
	}
	return appts
}

func (m *MemoryRepository) FindAutoCompletable(_ context.Context, endedBefore time.Time) ([]Appointment, error) {
	defer m.lock()()
	var out []Appointment
	for _, a := range m.state.appointments {
		if a.Status.Live() && a.EndAt().Before(endedBefore) {
			out = append(out, *cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	defer m.lock()()
	ev.ID = int64(len(m.state.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.state.events = append(m.state.events, ev)
	return nil
}

// Events returns a copy of the event log, newest last.
func (m *MemoryRepository) Events() []EventLog {
	defer m.lock()()
	return append([]EventLog(nil), m.state.events...)
}

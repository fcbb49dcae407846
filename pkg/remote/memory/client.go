package memory

import (
	"context"

	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

type client struct {
	backend  *Backend
	deviceID types.DeviceID
}

var _ remote.Client = (*client)(nil)

// ============================================================================
// Vlobs
// ============================================================================

func (c *client) VlobCreate(ctx context.Context, req remote.VlobCreateReq) (remote.VlobCreateRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.VlobCreateRep{}, err
	}
	rep := remote.VlobCreateRep{ServerTimestamp: b.clock.Now()}

	r, ok := b.realms[req.RealmID]
	switch {
	case !ok:
		rep.Status = remote.StatusNotFound
	case !b.roleOf(r, dev.userID).CanWrite():
		rep.Status = remote.StatusNotAllowed
	case r.maintenance != nil:
		rep.Status = remote.StatusInMaintenance
	case req.EncryptionRevision != r.encryptionRevision:
		rep.Status = remote.StatusBadEncryptionRevision
	case !b.inBallpark(req.Timestamp):
		rep.Status = remote.StatusBadTimestamp
	default:
		if _, exists := b.vlobs[req.VlobID]; exists {
			rep.Status = remote.StatusAlreadyExists
			break
		}
		b.vlobs[req.VlobID] = &vlob{
			realm: req.RealmID,
			versions: []*vlobVersion{{
				author:    c.deviceID,
				timestamp: req.Timestamp,
				blobs:     map[uint64][]byte{r.encryptionRevision: append([]byte(nil), req.Blob...)},
			}},
		}
		r.vlobs = append(r.vlobs, req.VlobID)
		rep.Status = remote.StatusOK
		b.notifyRealm(r, remote.Event{
			Type:    remote.EventVlobUpdated,
			RealmID: req.RealmID,
			VlobID:  req.VlobID,
			Version: 1,
			Author:  c.deviceID,
		})
		if err := b.dropped("vlob_create"); err != nil {
			return remote.VlobCreateRep{}, err
		}
	}
	return rep, nil
}

func (c *client) VlobUpdate(ctx context.Context, req remote.VlobUpdateReq) (remote.VlobUpdateRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.VlobUpdateRep{}, err
	}
	rep := remote.VlobUpdateRep{ServerTimestamp: b.clock.Now()}

	v, ok := b.vlobs[req.VlobID]
	if !ok {
		rep.Status = remote.StatusNotFound
		return rep, nil
	}
	r := b.realms[v.realm]
	switch {
	case !b.roleOf(r, dev.userID).CanWrite():
		rep.Status = remote.StatusNotAllowed
	case r.maintenance != nil:
		rep.Status = remote.StatusInMaintenance
	case req.EncryptionRevision != r.encryptionRevision:
		rep.Status = remote.StatusBadEncryptionRevision
	case req.Version != uint32(len(v.versions))+1:
		rep.Status = remote.StatusBadVersion
	case !b.inBallpark(req.Timestamp):
		rep.Status = remote.StatusBadTimestamp
	default:
		v.versions = append(v.versions, &vlobVersion{
			author:    c.deviceID,
			timestamp: req.Timestamp,
			blobs:     map[uint64][]byte{r.encryptionRevision: append([]byte(nil), req.Blob...)},
		})
		rep.Status = remote.StatusOK
		b.notifyRealm(r, remote.Event{
			Type:    remote.EventVlobUpdated,
			RealmID: v.realm,
			VlobID:  req.VlobID,
			Version: req.Version,
			Author:  c.deviceID,
		})
		if err := b.dropped("vlob_update"); err != nil {
			return remote.VlobUpdateRep{}, err
		}
	}
	return rep, nil
}

func (c *client) VlobRead(ctx context.Context, req remote.VlobReadReq) (remote.VlobReadRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.VlobReadRep{}, err
	}
	rep := remote.VlobReadRep{ServerTimestamp: b.clock.Now()}

	v, ok := b.vlobs[req.VlobID]
	if !ok {
		rep.Status = remote.StatusNotFound
		return rep, nil
	}
	r := b.realms[v.realm]
	switch {
	case !b.roleOf(r, dev.userID).CanRead():
		rep.Status = remote.StatusNotAllowed
		return rep, nil
	case r.maintenance != nil:
		rep.Status = remote.StatusInMaintenance
		return rep, nil
	case req.EncryptionRevision != r.encryptionRevision:
		rep.Status = remote.StatusBadEncryptionRevision
		return rep, nil
	}

	index := len(v.versions) - 1
	switch {
	case req.Version > 0:
		if int(req.Version) > len(v.versions) {
			rep.Status = remote.StatusBadVersion
			return rep, nil
		}
		index = int(req.Version) - 1
	case !req.Timestamp.IsZero():
		index = -1
		for i, ver := range v.versions {
			if !ver.timestamp.After(req.Timestamp) {
				index = i
			}
		}
		if index < 0 {
			rep.Status = remote.StatusBadVersion
			return rep, nil
		}
	}

	ver := v.versions[index]
	rep.Status = remote.StatusOK
	rep.Version = uint32(index) + 1
	rep.Blob = append([]byte(nil), ver.blobs[r.encryptionRevision]...)
	rep.Author = ver.author
	rep.Timestamp = ver.timestamp
	return rep, nil
}

func (c *client) VlobListVersions(ctx context.Context, req remote.VlobListVersionsReq) (remote.VlobListVersionsRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.VlobListVersionsRep{}, err
	}
	v, ok := b.vlobs[req.VlobID]
	if !ok {
		return remote.VlobListVersionsRep{Status: remote.StatusNotFound}, nil
	}
	r := b.realms[v.realm]
	if !b.roleOf(r, dev.userID).CanRead() {
		return remote.VlobListVersionsRep{Status: remote.StatusNotAllowed}, nil
	}
	if r.maintenance != nil {
		return remote.VlobListVersionsRep{Status: remote.StatusInMaintenance}, nil
	}
	rep := remote.VlobListVersionsRep{Status: remote.StatusOK}
	for i, ver := range v.versions {
		rep.Versions = append(rep.Versions, remote.VersionInfo{
			Version:   uint32(i) + 1,
			Author:    ver.author,
			Timestamp: ver.timestamp,
		})
	}
	return rep, nil
}

// ============================================================================
// Blocks
// ============================================================================

func (c *client) BlockCreate(ctx context.Context, req remote.BlockCreateReq) (remote.BlockCreateRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.BlockCreateRep{}, err
	}
	r, ok := b.realms[req.RealmID]
	switch {
	case !ok:
		return remote.BlockCreateRep{Status: remote.StatusNotFound}, nil
	case !b.roleOf(r, dev.userID).CanWrite():
		return remote.BlockCreateRep{Status: remote.StatusNotAllowed}, nil
	case r.maintenance != nil:
		return remote.BlockCreateRep{Status: remote.StatusInMaintenance}, nil
	}
	if _, exists := b.blocks[req.BlockID]; exists {
		return remote.BlockCreateRep{Status: remote.StatusAlreadyExists}, nil
	}
	b.blocks[req.BlockID] = &block{realm: req.RealmID, data: append([]byte(nil), req.Block...)}
	if err := b.dropped("block_create"); err != nil {
		return remote.BlockCreateRep{}, err
	}
	return remote.BlockCreateRep{Status: remote.StatusOK}, nil
}

func (c *client) BlockRead(ctx context.Context, req remote.BlockReadReq) (remote.BlockReadRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.BlockReadRep{}, err
	}
	blk, ok := b.blocks[req.BlockID]
	if !ok {
		return remote.BlockReadRep{Status: remote.StatusNotFound}, nil
	}
	if !b.roleOf(b.realms[blk.realm], dev.userID).CanRead() {
		return remote.BlockReadRep{Status: remote.StatusNotAllowed}, nil
	}
	return remote.BlockReadRep{Status: remote.StatusOK, Block: append([]byte(nil), blk.data...)}, nil
}

// ============================================================================
// Messages
// ============================================================================

func (c *client) MessageGet(ctx context.Context, req remote.MessageGetReq) (remote.MessageGetRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.MessageGetRep{}, err
	}
	rep := remote.MessageGetRep{Status: remote.StatusOK}
	for _, m := range b.users[dev.userID].messages {
		if m.Index > req.Offset {
			m.Body = append([]byte(nil), m.Body...)
			rep.Messages = append(rep.Messages, m)
		}
	}
	return rep, nil
}

// ============================================================================
// Realms
// ============================================================================

func (c *client) RealmCreate(ctx context.Context, req remote.RealmCreateReq) (remote.RealmCreateRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.RealmCreateRep{}, err
	}
	if _, exists := b.realms[req.RealmID]; exists {
		return remote.RealmCreateRep{Status: remote.StatusAlreadyExists}, nil
	}
	b.realms[req.RealmID] = &realm{
		roles:              map[types.UserID]types.RealmRole{dev.userID: types.RoleOwner},
		encryptionRevision: 1,
	}
	if err := b.dropped("realm_create"); err != nil {
		return remote.RealmCreateRep{}, err
	}
	return remote.RealmCreateRep{Status: remote.StatusOK}, nil
}

func (c *client) RealmStatus(ctx context.Context, req remote.RealmStatusReq) (remote.RealmStatusRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.RealmStatusRep{}, err
	}
	r, ok := b.realms[req.RealmID]
	if !ok {
		return remote.RealmStatusRep{Status: remote.StatusNotFound}, nil
	}
	if !b.roleOf(r, dev.userID).CanRead() {
		return remote.RealmStatusRep{Status: remote.StatusNotAllowed}, nil
	}
	return remote.RealmStatusRep{
		Status:             remote.StatusOK,
		InMaintenance:      r.maintenance != nil,
		EncryptionRevision: r.encryptionRevision,
	}, nil
}

func (c *client) RealmGetRoles(ctx context.Context, req remote.RealmGetRolesReq) (remote.RealmGetRolesRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.RealmGetRolesRep{}, err
	}
	r, ok := b.realms[req.RealmID]
	if !ok {
		return remote.RealmGetRolesRep{Status: remote.StatusNotFound}, nil
	}
	if !b.roleOf(r, dev.userID).CanRead() {
		return remote.RealmGetRolesRep{Status: remote.StatusNotAllowed}, nil
	}
	roles := make(map[types.UserID]types.RealmRole, len(r.roles))
	for id, role := range r.roles {
		roles[id] = role
	}
	return remote.RealmGetRolesRep{Status: remote.StatusOK, Roles: roles}, nil
}

// RealmUpdateRoles applies the sharing rules: owners manage every role but
// their own, managers may only grant or revoke contributor and reader.
func (c *client) RealmUpdateRoles(ctx context.Context, req remote.RealmUpdateRolesReq) (remote.RealmUpdateRolesRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.RealmUpdateRolesRep{}, err
	}
	r, ok := b.realms[req.RealmID]
	if !ok {
		return remote.RealmUpdateRolesRep{Status: remote.StatusNotFound}, nil
	}
	target, ok := b.users[req.UserID]
	if !ok {
		return remote.RealmUpdateRolesRep{Status: remote.StatusNotFound}, nil
	}

	mine := b.roleOf(r, dev.userID)
	current := b.roleOf(r, req.UserID)
	switch {
	case !mine.CanShare(), req.UserID == dev.userID:
		return remote.RealmUpdateRolesRep{Status: remote.StatusNotAllowed}, nil
	case mine != types.RoleOwner && (current.AtLeast(types.RoleManager) || req.Role.AtLeast(types.RoleManager)):
		return remote.RealmUpdateRolesRep{Status: remote.StatusNotAllowed}, nil
	case target.revoked != nil:
		return remote.RealmUpdateRolesRep{Status: remote.StatusUserRevoked}, nil
	case r.maintenance != nil:
		return remote.RealmUpdateRolesRep{Status: remote.StatusInMaintenance}, nil
	case !b.inBallpark(req.Timestamp):
		return remote.RealmUpdateRolesRep{Status: remote.StatusBadTimestamp}, nil
	}

	if req.Role == types.RoleNone {
		delete(r.roles, req.UserID)
	} else {
		r.roles[req.UserID] = req.Role
	}
	b.notifyUser(req.UserID, remote.Event{
		Type:    remote.EventRealmRolesUpdated,
		RealmID: req.RealmID,
		Role:    req.Role,
		Author:  c.deviceID,
	})
	if len(req.RecipientMessage) > 0 {
		b.deliverMessage(req.UserID, c.deviceID, req.RecipientMessage)
	}
	if err := b.dropped("realm_update_roles"); err != nil {
		return remote.RealmUpdateRolesRep{}, err
	}
	return remote.RealmUpdateRolesRep{Status: remote.StatusOK}, nil
}

func (c *client) RealmStartReencryptionMaintenance(ctx context.Context, req remote.RealmStartReencryptionMaintenanceReq) (remote.RealmStartReencryptionMaintenanceRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.RealmStartReencryptionMaintenanceRep{}, err
	}
	r, ok := b.realms[req.RealmID]
	switch {
	case !ok:
		return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusNotFound}, nil
	case b.roleOf(r, dev.userID) != types.RoleOwner:
		return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusNotAllowed}, nil
	case r.maintenance != nil:
		return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusInMaintenance}, nil
	case req.EncryptionRevision != r.encryptionRevision+1:
		return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusBadEncryptionRevision}, nil
	case !b.inBallpark(req.Timestamp):
		return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusBadTimestamp}, nil
	}
	for userID := range r.roles {
		if _, ok := req.Messages[userID]; !ok && userID != dev.userID {
			return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusMaintenanceError}, nil
		}
	}
	for userID := range req.Messages {
		if _, ok := r.roles[userID]; !ok {
			return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusMaintenanceError}, nil
		}
	}

	r.maintenance = &maintenance{encryptionRevision: req.EncryptionRevision}
	b.notifyRealm(r, remote.Event{
		Type:               remote.EventMaintenanceStarted,
		RealmID:            req.RealmID,
		EncryptionRevision: req.EncryptionRevision,
		Author:             c.deviceID,
	})
	for userID, body := range req.Messages {
		b.deliverMessage(userID, c.deviceID, body)
	}
	return remote.RealmStartReencryptionMaintenanceRep{Status: remote.StatusOK}, nil
}

func (c *client) RealmFinishReencryptionMaintenance(ctx context.Context, req remote.RealmFinishReencryptionMaintenanceReq) (remote.RealmFinishReencryptionMaintenanceRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.RealmFinishReencryptionMaintenanceRep{}, err
	}
	r, status := b.maintenanceRealm(dev, req.RealmID, req.EncryptionRevision)
	if status != remote.StatusOK {
		return remote.RealmFinishReencryptionMaintenanceRep{Status: status}, nil
	}
	if _, done := b.reencryptionProgress(r); !done {
		return remote.RealmFinishReencryptionMaintenanceRep{Status: remote.StatusMaintenanceError}, nil
	}

	old := r.encryptionRevision
	for _, id := range r.vlobs {
		for _, ver := range b.vlobs[id].versions {
			delete(ver.blobs, old)
		}
	}
	r.encryptionRevision = req.EncryptionRevision
	r.maintenance = nil
	b.notifyRealm(r, remote.Event{
		Type:               remote.EventMaintenanceFinished,
		RealmID:            req.RealmID,
		EncryptionRevision: req.EncryptionRevision,
		Author:             c.deviceID,
	})
	return remote.RealmFinishReencryptionMaintenanceRep{Status: remote.StatusOK}, nil
}

func (c *client) VlobMaintenanceGetReencryptionBatch(ctx context.Context, req remote.VlobMaintenanceGetReencryptionBatchReq) (remote.VlobMaintenanceGetReencryptionBatchRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.VlobMaintenanceGetReencryptionBatchRep{}, err
	}
	r, status := b.maintenanceRealm(dev, req.RealmID, req.EncryptionRevision)
	if status != remote.StatusOK {
		return remote.VlobMaintenanceGetReencryptionBatchRep{Status: status}, nil
	}
	rep := remote.VlobMaintenanceGetReencryptionBatchRep{Status: remote.StatusOK}
	for _, id := range r.vlobs {
		for i, ver := range b.vlobs[id].versions {
			if len(rep.Batch) >= req.Size {
				return rep, nil
			}
			if _, done := ver.blobs[req.EncryptionRevision]; done {
				continue
			}
			rep.Batch = append(rep.Batch, remote.ReencryptionBatchEntry{
				VlobID:  id,
				Version: uint32(i) + 1,
				Blob:    append([]byte(nil), ver.blobs[r.encryptionRevision]...),
			})
		}
	}
	return rep, nil
}

func (c *client) VlobMaintenanceSaveReencryptionBatch(ctx context.Context, req remote.VlobMaintenanceSaveReencryptionBatchReq) (remote.VlobMaintenanceSaveReencryptionBatchRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		return remote.VlobMaintenanceSaveReencryptionBatchRep{}, err
	}
	r, status := b.maintenanceRealm(dev, req.RealmID, req.EncryptionRevision)
	if status != remote.StatusOK {
		return remote.VlobMaintenanceSaveReencryptionBatchRep{Status: status}, nil
	}
	for _, entry := range req.Batch {
		v, ok := b.vlobs[entry.VlobID]
		if !ok || v.realm != req.RealmID || entry.Version == 0 || int(entry.Version) > len(v.versions) {
			return remote.VlobMaintenanceSaveReencryptionBatchRep{Status: remote.StatusNotFound}, nil
		}
	}
	for _, entry := range req.Batch {
		ver := b.vlobs[entry.VlobID].versions[entry.Version-1]
		ver.blobs[req.EncryptionRevision] = append([]byte(nil), entry.Blob...)
	}
	progress, _ := b.reencryptionProgress(r)
	return remote.VlobMaintenanceSaveReencryptionBatchRep{
		Status: remote.StatusOK,
		Total:  progress.total,
		Done:   progress.done,
	}, nil
}

func (b *Backend) maintenanceRealm(dev *device, id types.RealmID, revision uint64) (*realm, remote.Status) {
	r, ok := b.realms[id]
	switch {
	case !ok:
		return nil, remote.StatusNotFound
	case b.roleOf(r, dev.userID) != types.RoleOwner:
		return nil, remote.StatusNotAllowed
	case r.maintenance == nil:
		return nil, remote.StatusNotInMaintenance
	case r.maintenance.encryptionRevision != revision:
		return nil, remote.StatusBadEncryptionRevision
	}
	return r, remote.StatusOK
}

type progress struct {
	total int
	done  int
}

func (b *Backend) reencryptionProgress(r *realm) (progress, bool) {
	var p progress
	for _, id := range r.vlobs {
		for _, ver := range b.vlobs[id].versions {
			p.total++
			if _, ok := ver.blobs[r.maintenance.encryptionRevision]; ok {
				p.done++
			}
		}
	}
	return p, p.done == p.total
}

// ============================================================================
// Users and devices
// ============================================================================

func (c *client) DeviceGet(ctx context.Context, req remote.DeviceGetReq) (remote.DeviceGetRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.caller(ctx, c.deviceID); err != nil {
		return remote.DeviceGetRep{}, err
	}
	d, ok := b.devices[req.DeviceID]
	if !ok {
		return remote.DeviceGetRep{Status: remote.StatusNotFound}, nil
	}
	u := b.users[d.userID]
	return remote.DeviceGetRep{
		Status:                 remote.StatusOK,
		DeviceCertificate:      d.certificate,
		UserCertificate:        u.certificate,
		RevokedUserCertificate: u.revoked,
		TrustchainDevices:      b.trustchain(d.author, u.author),
	}, nil
}

func (c *client) UserGet(ctx context.Context, req remote.UserGetReq) (remote.UserGetRep, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.caller(ctx, c.deviceID); err != nil {
		return remote.UserGetRep{}, err
	}
	u, ok := b.users[req.UserID]
	if !ok {
		return remote.UserGetRep{Status: remote.StatusNotFound}, nil
	}
	rep := remote.UserGetRep{
		Status:                 remote.StatusOK,
		UserCertificate:        u.certificate,
		RevokedUserCertificate: u.revoked,
	}
	authors := []types.DeviceID{u.author}
	for _, id := range u.devices {
		d := b.devices[id]
		rep.DeviceCertificates = append(rep.DeviceCertificates, d.certificate)
		authors = append(authors, d.author)
	}
	rep.TrustchainDevices = b.trustchain(authors...)
	return rep, nil
}

// ============================================================================
// Events
// ============================================================================

func (c *client) EventsListen(ctx context.Context) (<-chan remote.Event, error) {
	b := c.backend
	b.mu.Lock()
	dev, err := b.caller(ctx, c.deviceID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	l := &listener{
		userID: dev.userID,
		ch:     make(chan remote.Event, listenerBuffer),
		done:   make(chan struct{}),
	}
	b.listeners[l] = struct{}{}
	b.mu.Unlock()

	out := make(chan remote.Event)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.listeners, l)
			b.mu.Unlock()
		}()
		for {
			select {
			case ev := <-l.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-l.done:
					return
				}
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
	return out, nil
}

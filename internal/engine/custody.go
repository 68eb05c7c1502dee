package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodyline/internal/address"
	"custodyline/internal/domain"
	"custodyline/internal/engine/auth"
	"custodyline/internal/events"
	"custodyline/internal/ledger"
	"custodyline/internal/logging"
	"custodyline/internal/reconcile"
	"custodyline/internal/repo"
)

// CreateBatchOptions are parameters for registering a batch.
type CreateBatchOptions struct {
	ID               string
	BrandOwnerKey    string
	InitialHolderKey string
	ProducerName     string
	ParticipantIDs   []string
	Metadata         map[string]any
}

type CreateBatchResult struct {
	Signature    string `json:"transaction"`
	BatchAddress string `json:"batch_address"`
	DataHash     string `json:"data_hash"`
}

func (e Engine) CreateBatch(ctx context.Context, opts CreateBatchOptions) (CreateBatchResult, error) {
	id := strings.TrimSpace(opts.ID)
	switch {
	case id == "":
		return CreateBatchResult{}, validationf("batch id is required")
	case len(id) > ledger.MaxBatchIDLen:
		return CreateBatchResult{}, validationf("batch id exceeds %d bytes", ledger.MaxBatchIDLen)
	case len(opts.ProducerName) > ledger.MaxProducerNameLen:
		return CreateBatchResult{}, validationf("producer name exceeds %d bytes", ledger.MaxProducerNameLen)
	}
	owner, err := parseAddress("brand owner key", opts.BrandOwnerKey)
	if err != nil {
		return CreateBatchResult{}, err
	}
	holder, err := parseAddress("initial holder key", opts.InitialHolderKey)
	if err != nil {
		return CreateBatchResult{}, err
	}
	participants, err := uniqueIDs(opts.ParticipantIDs)
	if err != nil {
		return CreateBatchResult{}, err
	}
	dataHash, err := fingerprint(map[string]any{"producerName": opts.ProducerName}, opts.Metadata)
	if err != nil {
		return CreateBatchResult{}, validationf("metadata is not JSON encodable: %v", err)
	}
	addr, err := e.Ledger.Deriver.Batch(id)
	if err != nil {
		return CreateBatchResult{}, validationf("batch id: %v", err)
	}

	if _, err := e.Cache.GetBatch(ctx, addr.String()); err == nil {
		return CreateBatchResult{}, newError(KindConflict, nil, "batch %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CreateBatchResult{}, newError(KindInternal, err, "create batch")
	}
	missing, err := e.Cache.MissingPartners(ctx, participants)
	if err != nil {
		return CreateBatchResult{}, newError(KindInternal, err, "create batch")
	}
	if len(missing) > 0 {
		return CreateBatchResult{}, notFoundf("partner %s not found", strings.Join(missing, ", "))
	}

	rcpt, _, err := e.Ledger.CreateBatch(ctx, ledger.CreateBatchParams{
		ID:           id,
		Creator:      owner,
		Holder:       holder,
		ProducerName: opts.ProducerName,
		DataHash:     dataHash,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateAddress) {
			// the ledger already holds the batch the cache missed
			e.scheduleRepair(ctx, addr)
		}
		return CreateBatchResult{}, fromLedger("create batch", err)
	}
	e.logger().Info("batch created",
		logging.WithBatch(addr),
		logging.WithOnchainID(id),
		logging.WithSignature(rcpt.Signature),
		logging.WithSlot(rcpt.Slot))

	row := domain.Batch{
		Address:           addr.String(),
		OnchainID:         id,
		BrandOwnerKey:     owner.String(),
		ProducerName:      opts.ProducerName,
		DataHash:          dataHash,
		CurrentHolderKey:  holder.String(),
		Status:            domain.StatusInProgress,
		HolderSlot:        rcpt.Slot,
		CreationSignature: rcpt.Signature,
	}
	e.projectNow(ctx, reconcile.Projection{
		Name:  "create_batch",
		Batch: row.Address,
		Apply: func(ctx context.Context) error {
			return e.Cache.WithTx(ctx, func(tx *sql.Tx) error {
				if _, err := e.Cache.InsertBatch(ctx, tx, row); err != nil {
					return err
				}
				if err := e.Cache.AddParticipants(ctx, tx, row.Address, participants); err != nil {
					return err
				}
				return e.Events.Append(ctx, tx, events.BatchCreated, row.Address, row.BrandOwnerKey, rcpt.Signature, events.EventPayload{
					"batch_id":      id,
					"creator":       row.BrandOwnerKey,
					"producer_name": row.ProducerName,
					"holder":        row.CurrentHolderKey,
					"participants":  participants,
				})
			})
		},
	})
	return CreateBatchResult{Signature: rcpt.Signature, BatchAddress: addr.String(), DataHash: dataHash}, nil
}

// AddStageOptions are parameters for recording a processing stage.
type AddStageOptions struct {
	BatchAddress string
	UserKey      string
	StageName    string
	Metadata     map[string]any
}

type AddStageResult struct {
	Signature    string `json:"transaction"`
	StageAddress string `json:"stage_address"`
	Index        int    `json:"index"`
}

func (e Engine) AddStage(ctx context.Context, opts AddStageOptions) (AddStageResult, error) {
	addr, err := parseAddress("batch address", opts.BatchAddress)
	if err != nil {
		return AddStageResult{}, err
	}
	user, err := parseAddress("user key", opts.UserKey)
	if err != nil {
		return AddStageResult{}, err
	}
	name := strings.TrimSpace(opts.StageName)
	if name == "" {
		return AddStageResult{}, validationf("stage name is required")
	}
	if len(name) > ledger.MaxStageNameLen {
		return AddStageResult{}, validationf("stage name exceeds %d bytes", ledger.MaxStageNameLen)
	}
	b, err := e.batch(ctx, addr)
	if err != nil {
		return AddStageResult{}, err
	}
	if err := auth.CanAddStage(b, user.String()); err != nil {
		return AddStageResult{}, err
	}

	// The stage address is derived from the ledger's counter; the cache may lag.
	acct, err := e.Ledger.FetchBatch(ctx, addr)
	if err != nil {
		return AddStageResult{}, fromLedger("add stage", err)
	}
	if err := auth.CanAddStage(reconcile.FromLedger(acct), user.String()); err != nil {
		e.scheduleRepair(ctx, addr)
		return AddStageResult{}, err
	}
	stageHash, err := fingerprint(map[string]any{"stageName": name, "userKey": user.String()}, opts.Metadata)
	if err != nil {
		return AddStageResult{}, validationf("metadata is not JSON encodable: %v", err)
	}
	index := acct.NextStageIndex
	rcpt, stageAddr, err := e.Ledger.AddStage(ctx, ledger.AddStageParams{
		Batch:         addr,
		Index:         index,
		Actor:         user,
		StageName:     name,
		StageDataHash: stageHash,
	})
	if err != nil {
		if staleCache(err) {
			e.scheduleRepair(ctx, addr)
		}
		return AddStageResult{}, fromLedger("add stage", err)
	}
	e.logger().Info("stage added",
		logging.WithBatch(addr),
		logging.WithStage(stageAddr),
		logging.WithIndex(index),
		logging.WithActor(user),
		logging.WithSignature(rcpt.Signature))

	e.projectLater(ctx, reconcile.Projection{
		Name:  "add_stage",
		Batch: addr.String(),
		Apply: func(ctx context.Context) error {
			return e.Cache.WithTx(ctx, func(tx *sql.Tx) error {
				if _, err := e.Cache.AdvanceStageIndex(ctx, tx, addr.String(), int(index)+1); err != nil {
					return err
				}
				return e.Events.Append(ctx, tx, events.StageAdded, addr.String(), user.String(), rcpt.Signature, events.EventPayload{
					"stage":           stageAddr.String(),
					"stage_index":     index,
					"stage_name":      name,
					"stage_data_hash": stageHash,
				})
			})
		},
	})
	return AddStageResult{Signature: rcpt.Signature, StageAddress: stageAddr.String(), Index: int(index)}, nil
}

// TransferOptions are parameters for handing a batch to another participant.
type TransferOptions struct {
	BatchAddress       string
	CurrentHolderKey   string
	NewHolderPartnerID string
}

type TransferResult struct {
	Signature    string `json:"transaction"`
	NewHolderKey string `json:"new_holder_key"`
}

func (e Engine) TransferCustody(ctx context.Context, opts TransferOptions) (TransferResult, error) {
	addr, err := parseAddress("batch address", opts.BatchAddress)
	if err != nil {
		return TransferResult{}, err
	}
	from, err := parseAddress("current holder key", opts.CurrentHolderKey)
	if err != nil {
		return TransferResult{}, err
	}
	partnerID := strings.TrimSpace(opts.NewHolderPartnerID)
	if partnerID == "" {
		return TransferResult{}, validationf("new holder partner id is required")
	}
	b, err := e.batch(ctx, addr)
	if err != nil {
		return TransferResult{}, err
	}
	if err := auth.CanTransfer(b, from.String()); err != nil {
		return TransferResult{}, err
	}
	partner, err := e.Cache.GetParticipant(ctx, addr.String(), partnerID)
	if errors.Is(err, repo.ErrNotFound) {
		return TransferResult{}, auth.ForbiddenError{Action: auth.ActionTransfer, Reason: fmt.Sprintf("partner %s is not a participant of this batch", partnerID)}
	}
	if err != nil {
		return TransferResult{}, newError(KindInternal, err, "transfer custody")
	}
	to, err := parseAddress("partner public key", partner.PublicKey)
	if err != nil {
		return TransferResult{}, err
	}

	rcpt, err := e.Ledger.TransferCustody(ctx, addr, from, to)
	if err != nil {
		if staleCache(err) {
			e.scheduleRepair(ctx, addr)
		}
		return TransferResult{}, fromLedger("transfer custody", err)
	}
	e.logger().Info("custody transferred",
		logging.WithBatch(addr),
		logging.WithActor(from),
		logging.WithHolder(to),
		logging.WithSignature(rcpt.Signature))

	e.projectNow(ctx, reconcile.Projection{
		Name:  "transfer_custody",
		Batch: addr.String(),
		Apply: func(ctx context.Context) error {
			return e.Cache.WithTx(ctx, func(tx *sql.Tx) error {
				if _, err := e.Cache.SetHolder(ctx, tx, addr.String(), to.String(), rcpt.Slot); err != nil {
					return err
				}
				return e.Events.Append(ctx, tx, events.CustodyTransferred, addr.String(), from.String(), rcpt.Signature, events.EventPayload{
					"from":       from.String(),
					"to":         to.String(),
					"partner_id": partnerID,
				})
			})
		},
	})
	return TransferResult{Signature: rcpt.Signature, NewHolderKey: to.String()}, nil
}

// FinalizeOptions are parameters for closing a batch.
type FinalizeOptions struct {
	BatchAddress  string
	BrandOwnerKey string
}

type FinalizeResult struct {
	Signature string `json:"transaction"`
}

func (e Engine) FinalizeBatch(ctx context.Context, opts FinalizeOptions) (FinalizeResult, error) {
	addr, err := parseAddress("batch address", opts.BatchAddress)
	if err != nil {
		return FinalizeResult{}, err
	}
	owner, err := parseAddress("brand owner key", opts.BrandOwnerKey)
	if err != nil {
		return FinalizeResult{}, err
	}
	b, err := e.batch(ctx, addr)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := auth.CanFinalize(b, owner.String()); err != nil {
		return FinalizeResult{}, err
	}
	rcpt, err := e.Ledger.FinalizeBatch(ctx, addr, owner)
	if err != nil {
		if staleCache(err) {
			e.scheduleRepair(ctx, addr)
		}
		return FinalizeResult{}, fromLedger("finalize batch", err)
	}
	e.logger().Info("batch finalized", logging.WithBatch(addr), logging.WithSignature(rcpt.Signature))

	e.projectNow(ctx, reconcile.Projection{
		Name:  "finalize_batch",
		Batch: addr.String(),
		Apply: func(ctx context.Context) error {
			return e.Cache.WithTx(ctx, func(tx *sql.Tx) error {
				if _, err := e.Cache.MarkCompleted(ctx, tx, addr.String()); err != nil {
					return err
				}
				return e.Events.Append(ctx, tx, events.BatchFinalized, addr.String(), owner.String(), rcpt.Signature, events.EventPayload{
					"timestamp": e.now().UTC(),
				})
			})
		},
	})
	return FinalizeResult{Signature: rcpt.Signature}, nil
}

// GetBatchDetails joins the cached batch and its cast with the stage history
// read from the ledger. A batch the cache has never seen is loaded from the
// ledger and written back.
func (e Engine) GetBatchDetails(ctx context.Context, batchAddress string) (domain.BatchDetails, error) {
	addr, err := parseAddress("batch address", batchAddress)
	if err != nil {
		return domain.BatchDetails{}, err
	}
	b, err := e.Cache.GetBatch(ctx, addr.String())
	if errors.Is(err, repo.ErrNotFound) {
		b, err = e.readThrough(ctx, addr)
	}
	if err != nil {
		return domain.BatchDetails{}, err
	}
	cast, err := e.Cache.ListParticipants(ctx, addr.String())
	if err != nil {
		return domain.BatchDetails{}, newError(KindInternal, err, "list participants")
	}
	if cast == nil {
		cast = []domain.Partner{}
	}
	accts, err := e.Reconciler.ReadStages(ctx, addr, b.NextStageIndex)
	if err != nil {
		return domain.BatchDetails{}, fromLedger("read stages", err)
	}
	stages := make([]domain.Stage, 0, len(accts))
	for _, st := range accts {
		stages = append(stages, domain.Stage{
			Address:       st.Address.String(),
			Index:         int(st.Index),
			StageName:     st.StageName,
			StageDataHash: st.StageDataHash,
			Actor:         st.Actor.String(),
			Timestamp:     st.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	if len(stages) > b.NextStageIndex {
		b.NextStageIndex = len(stages)
	}
	return domain.BatchDetails{Batch: b, Participants: cast, Stages: stages}, nil
}

func (e Engine) readThrough(ctx context.Context, addr address.Address) (domain.Batch, error) {
	acct, err := e.Ledger.FetchBatch(ctx, addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return domain.Batch{}, notFoundf("batch %s not found", addr)
	}
	if err != nil {
		return domain.Batch{}, fromLedger("get batch", err)
	}
	if _, err := e.Reconciler.Apply(ctx, acct); err != nil {
		e.logger().Warn("read-repair insert failed", logging.WithBatch(addr), zap.Error(err))
		return reconcile.FromLedger(acct), nil
	}
	b, err := e.Cache.GetBatch(ctx, addr.String())
	if err != nil {
		return reconcile.FromLedger(acct), nil
	}
	return b, nil
}

// ListBatchesOptions selects batches owned or held by UserKey.
type ListBatchesOptions struct {
	UserKey         string
	Limit           int
	CursorCreatedAt string
	CursorAddress   string
}

func (e Engine) ListBatches(ctx context.Context, opts ListBatchesOptions) ([]domain.Batch, error) {
	user, err := parseAddress("user key", opts.UserKey)
	if err != nil {
		return nil, err
	}
	res, err := e.Cache.ListBatchesForUser(ctx, user.String(), opts.Limit, opts.CursorCreatedAt, opts.CursorAddress)
	if err != nil {
		return nil, newError(KindInternal, err, "list batches")
	}
	if res == nil {
		res = []domain.Batch{}
	}
	return res, nil
}

// ListEvents returns the custody event log of one batch, newest first.
func (e Engine) ListEvents(ctx context.Context, batchAddress string, limit int, before string) ([]domain.Event, error) {
	addr, err := parseAddress("batch address", batchAddress)
	if err != nil {
		return nil, err
	}
	if _, err := e.batch(ctx, addr); err != nil {
		return nil, err
	}
	return e.LatestEvents(ctx, addr.String(), limit, before)
}

// LatestEvents returns recent events across batches when batchAddress is empty.
func (e Engine) LatestEvents(ctx context.Context, batchAddress string, limit int, before string) ([]domain.Event, error) {
	evts, err := e.Cache.LatestEvents(ctx, limit, batchAddress, before)
	if err != nil {
		return nil, newError(KindInternal, err, "list events")
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}

func (e Engine) batch(ctx context.Context, addr address.Address) (domain.Batch, error) {
	b, err := e.Cache.GetBatch(ctx, addr.String())
	if errors.Is(err, repo.ErrNotFound) {
		return b, notFoundf("batch %s not found", addr)
	}
	if err != nil {
		return b, newError(KindInternal, err, "load batch")
	}
	return b, nil
}

func uniqueIDs(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, validationf("participant ids must not be empty")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

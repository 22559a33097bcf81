package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/momoclient"
	"golang.org/x/time/rate"
)

// Provider names, also persisted on ledger rows.
const (
	ProviderOrangeMoney = "orange_money"
	ProviderMTNMoMo     = "mtn_momo"
	ProviderMoovMoney   = "moov_money"
)

// Operator prefixes of ten-digit national numbers.
var (
	orangePrefixes = []string{"07"}
	mtnPrefixes    = []string{"05"}
	moovPrefixes   = []string{"01"}
)

// MobileMoneyGateway adapts one provider API onto the Gateway interface.
type MobileMoneyGateway struct {
	name     string
	prefixes []string
	client   *momoclient.Client
	limiter  *rate.Limiter
}

// NewMobileMoneyGateway builds a gateway. A nil limiter disables outbound throttling.
func NewMobileMoneyGateway(name string, prefixes []string, client *momoclient.Client, limiter *rate.Limiter) *MobileMoneyGateway {
	return &MobileMoneyGateway{name: name, prefixes: prefixes, client: client, limiter: limiter}
}

func NewOrangeMoney(client *momoclient.Client, limiter *rate.Limiter) *MobileMoneyGateway {
	return NewMobileMoneyGateway(ProviderOrangeMoney, orangePrefixes, client, limiter)
}

func NewMTNMoMo(client *momoclient.Client, limiter *rate.Limiter) *MobileMoneyGateway {
	return NewMobileMoneyGateway(ProviderMTNMoMo, mtnPrefixes, client, limiter)
}

func NewMoovMoney(client *momoclient.Client, limiter *rate.Limiter) *MobileMoneyGateway {
	return NewMobileMoneyGateway(ProviderMoovMoney, moovPrefixes, client, limiter)
}

func (g *MobileMoneyGateway) ProviderName() string { return g.name }

func (g *MobileMoneyGateway) SupportsPhoneNumber(phone string) bool {
	return hasOperatorPrefix(phone, g.prefixes)
}

func (g *MobileMoneyGateway) BlockFunds(ctx context.Context, payer uuid.UUID, phone string, amount domain.Money, reference string) (Result, error) {
	if err := g.wait(ctx); err != nil {
		return Failure(ErrCodeTimeout, "outbound rate limit wait: "+err.Error()), nil
	}
	resp, err := g.client.Hold(ctx, momoclient.HoldRequest{
		Reference: reference,
		PayerID:   payer.String(),
		MSISDN:    NormalizePhone(phone),
		Amount:    amount.Int64(),
	})
	return toResult(resp, err), nil
}

func (g *MobileMoneyGateway) TransferFunds(ctx context.Context, fromParty *uuid.UUID, fromPhone string, toParty *uuid.UUID, toPhone string, amount domain.Money, reference string) (Result, error) {
	if err := g.wait(ctx); err != nil {
		return Failure(ErrCodeTimeout, "outbound rate limit wait: "+err.Error()), nil
	}
	resp, err := g.client.Transfer(ctx, momoclient.TransferRequest{
		Reference:  reference,
		FromParty:  partyString(fromParty),
		FromMSISDN: NormalizePhone(fromPhone),
		ToParty:    partyString(toParty),
		ToMSISDN:   NormalizePhone(toPhone),
		Amount:     amount.Int64(),
	})
	return toResult(resp, err), nil
}

func (g *MobileMoneyGateway) RefundFunds(ctx context.Context, payer uuid.UUID, phone string, amount domain.Money, reference string) (Result, error) {
	if err := g.wait(ctx); err != nil {
		return Failure(ErrCodeTimeout, "outbound rate limit wait: "+err.Error()), nil
	}
	resp, err := g.client.Refund(ctx, momoclient.RefundRequest{
		Reference: reference,
		PayerID:   payer.String(),
		MSISDN:    NormalizePhone(phone),
		Amount:    amount.Int64(),
	})
	return toResult(resp, err), nil
}

// CheckStatus returns an error whenever the provider's answer is inconclusive.
func (g *MobileMoneyGateway) CheckStatus(ctx context.Context, providerTransactionID string) (Status, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	resp, err := g.client.GetTransaction(ctx, providerTransactionID)
	if err != nil {
		return "", lookupError(err)
	}
	status, ok := ParseStatus(resp.Status)
	if !ok {
		return "", errors.New("unrecognised provider status " + resp.Status)
	}
	return status, nil
}

func (g *MobileMoneyGateway) CheckStatusByReference(ctx context.Context, reference string) (Status, string, error) {
	if err := g.wait(ctx); err != nil {
		return "", "", err
	}
	resp, err := g.client.GetTransactionByReference(ctx, reference)
	if err != nil {
		return "", "", lookupError(err)
	}
	status, ok := ParseStatus(resp.Status)
	if !ok {
		return "", resp.TransactionID, errors.New("unrecognised provider status " + resp.Status)
	}
	return status, resp.TransactionID, nil
}

func lookupError(err error) error {
	if momoclient.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrTransactionNotFound, err)
	}
	return err
}

func (g *MobileMoneyGateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// ParseStatus maps the provider vocabulary onto Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESSFUL", "SUCCESS", "COMPLETED":
		return StatusCompleted, true
	case "PENDING", "ACCEPTED", "PROCESSING", "INITIATED":
		return StatusPending, true
	case "FAILED", "REJECTED", "ERROR":
		return StatusFailed, true
	case "CANCELLED", "CANCELED", "EXPIRED", "REVERSED":
		return StatusCancelled, true
	}
	return "", false
}

func toResult(resp *momoclient.TransactionResponse, err error) Result {
	if err != nil {
		return classifyError(err)
	}
	status, ok := ParseStatus(resp.Status)
	if !ok {
		return Failure(ErrCodeTechnicalError, "unrecognised provider status "+resp.Status)
	}
	switch status {
	case StatusCompleted, StatusPending:
		return Result{Success: true, ProviderTransactionID: resp.TransactionID, Status: status}
	default:
		res := Failure(ParseErrorCode(resp.ErrorCode), resp.Message)
		res.ProviderTransactionID = resp.TransactionID
		return res
	}
}

func classifyError(err error) Result {
	var apiErr *momoclient.ErrorResponse
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return Failure(ParseErrorCode(apiErr.Code), apiErr.Message)
		}
		if apiErr.IsServerSide() {
			return Failure(ErrCodeProviderUnavailable, apiErr.Error())
		}
		return Failure(ErrCodeTechnicalError, apiErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure(ErrCodeTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Failure(ErrCodeTimeout, err.Error())
		}
		return Failure(ErrCodeNetworkError, err.Error())
	}
	return Failure(ErrCodeNetworkError, err.Error())
}

func partyString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

package normalize

import "testing"

func TestHyperliquidContextSplitsFundingAndOI(t *testing.T) {
	market := testMarket()
	raw := []byte(`{"time":1763418605,"funding":"0.00001","markPx":"100.5","openInterest":"1000","dayBaseVlm":"500","dayNtlVlm":"50250"}`)
	d, err := ForContextSource(SourceHyperliquidWS)
	if err != nil {
		t.Fatalf("ForContextSource: %v", err)
	}
	tuple, err := d.DecodeContext(raw, market)
	if err != nil {
		t.Fatalf("DecodeContext: %v", err)
	}
	if tuple.Funding == nil {
		t.Fatalf("expected funding half")
	}
	if tuple.OI == nil {
		t.Fatalf("expected OI half")
	}
	if !tuple.OI.NotionalValue.Equal(tuple.OI.OpenInterest.Mul(*tuple.Funding.MarkPrice)) {
		t.Fatalf("expected notional = open_interest * mark_price")
	}
}

func TestHyperliquidContextFundingOnly(t *testing.T) {
	market := testMarket()
	raw := []byte(`{"time":1763418605,"funding":"0.00001"}`)
	d, _ := ForContextSource(SourceHyperliquidWS)
	tuple, err := d.DecodeContext(raw, market)
	if err != nil {
		t.Fatalf("DecodeContext: %v", err)
	}
	if tuple.Funding == nil {
		t.Fatalf("expected funding half")
	}
	if tuple.OI != nil {
		t.Fatalf("expected no OI half when absent from payload")
	}
	if tuple.Funding.Premium != nil || tuple.Funding.MarkPrice != nil {
		t.Fatalf("expected nullable price fields to remain nil when absent")
	}
}

package cln

type GetInfoResponse struct {
	Id          string `json:"id"`
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	Blockheight int    `json:"blockheight"`
	Network     string `json:"network"`
}

type NewAddrResponse struct {
	Bech32 string `json:"bech32"`
}

type ListFundsResponse struct {
	Outputs []struct {
		AmountMsat uint64 `json:"amount_msat"`
		Status     string `json:"status"`
	} `json:"outputs"`
	Channels []struct {
		OurAmountMsat uint64 `json:"our_amount_msat"`
		State         string `json:"state"`
	} `json:"channels"`
}

type ConnectResponse struct {
	Id string `json:"id"`
}

type FundChannelResponse struct {
	Txid      string `json:"txid"`
	ChannelId string `json:"channel_id"`
}

type CreateInvoiceResponse struct {
	PaymentHash   string `json:"payment_hash"`
	ExpiresAt     int64  `json:"expires_at"`
	Bolt11        string `json:"bolt11"`
	PaymentSecret string `json:"payment_secret"`
}

type PayInvoiceResponse struct {
	Destination     string  `json:"destination"`
	PaymentHash     string  `json:"payment_hash"`
	CreatedAt       float64 `json:"created_at"`
	Parts           int     `json:"parts"`
	AmountMsat      uint64  `json:"amount_msat"`
	AmountSentMsat  uint64  `json:"amount_sent_msat"`
	PaymentPreimage string  `json:"payment_preimage"`
	Status          string  `json:"status"`
}

type ListPaysResponse struct {
	Pays []struct {
		PaymentHash string `json:"payment_hash"`
		Status      string `json:"status"`
		Preimage    string `json:"preimage"`
	} `json:"pays"`
}

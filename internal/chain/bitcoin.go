package chain

func init() {
	// Bitcoin Mainnet
	Register("BTC", Mainnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Family:   FamilyUTXOScript,
		Decimals: 8,

		ExpiryKind: ExpiryHeight,
		HashScheme: HashSHA256d,

		// ~1 hour of blocks between head and a usable expiry
		SafeExpiryMargin: 6,

		Purpose:  84,
		CoinType: 0,

		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
	})

	// Bitcoin Testnet (testnet3)
	Register("BTC", Testnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin Testnet",
		Family:   FamilyUTXOScript,
		Decimals: 8,

		ExpiryKind: ExpiryHeight,
		HashScheme: HashSHA256d,

		SafeExpiryMargin: 6,

		Purpose:  84,
		CoinType: 1,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
	})
}

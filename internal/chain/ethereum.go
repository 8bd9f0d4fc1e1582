package chain

func init() {
	// ==========================================================================
	// Ethereum
	// ==========================================================================

	// Ethereum Mainnet (chainID 1)
	Register("ETH", Mainnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ExpiryKind: ExpiryTimestamp,
		HashScheme: HashSHA256,

		// ~1 hour in seconds
		SafeExpiryMargin: 3600,

		Purpose:  44,
		CoinType: 60,

		ChainID:      1,
		HTLCContract: "0x0b7E9B4Cca66a293B2E5f3A48c2D31aE5F6e3a5D",
		TokenHTLC:    "0x62C4f3FE5a4D1c6b8cE3a9a3dE7F0b20889F6fB1",
	})

	// Ethereum Sepolia Testnet (chainID 11155111)
	Register("ETH", Testnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum Sepolia",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ExpiryKind: ExpiryTimestamp,
		HashScheme: HashSHA256,

		SafeExpiryMargin: 3600,

		Purpose:  44,
		CoinType: 60,

		ChainID:      11155111,
		HTLCContract: "0x9eC1dC6E5cc5D8cE1a1e4E9a5dD9A3b9F4c6B0e7",
		TokenHTLC:    "0x2aB9D5bD6A17F9C4fD1F63a1e0B6cE3Db4a21fE8",
	})

	// ==========================================================================
	// XinFin (XDC Network)
	// ==========================================================================

	// XDC Mainnet (chainID 50)
	Register("XDC", Mainnet, &Params{
		Symbol:   "XDC",
		Name:     "XinFin Network",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ExpiryKind: ExpiryTimestamp,
		HashScheme: HashSHA256,

		// XDPoS has ~2s blocks, but timestamp margin stays conservative
		SafeExpiryMargin: 1800,

		Purpose:  44,
		CoinType: 550,

		ChainID:      50,
		HTLCContract: "0x5aDc9E1b3b4C8f3fB2C4e6a9dF8B5e1C0a37D6f2",
		TokenHTLC:    "0x8F0cD7a6E2b5341e9aD4F2c6B1e8A90C53b7Ee14",
	})

	// XDC Apothem Testnet (chainID 51)
	Register("XDC", Testnet, &Params{
		Symbol:   "XDC",
		Name:     "XinFin Apothem",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ExpiryKind: ExpiryTimestamp,
		HashScheme: HashSHA256,

		SafeExpiryMargin: 1800,

		Purpose:  44,
		CoinType: 550,

		ChainID:      51,
		HTLCContract: "0x4C91F2a9D0E5b7cA3e6F8d2B1a0C9E5F7D3b82A6",
		TokenHTLC:    "0xD1e5B2c8F7a9463C0B5D8E2f4A6C1b3E9F0a7D52",
	})
}
